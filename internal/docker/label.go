package docker

import (
	"fmt"
	"strings"
	"time"

	"github.com/adamchainz/auxlib/internal/model"
)

// Label key constants define the Docker label keys applied to every
// container auxrun starts. The labels are the sole link between a
// container and the environment that created it — there is no external
// state file — so "auxrun clean" and "auxrun list" can attribute
// containers by labels alone.
//
// All keys share the "auxrun." prefix to namespace them and avoid
// collisions with labels set by other tools.
const (
	// LabelPrefix is the common prefix for all auxrun labels.
	LabelPrefix = "auxrun."

	// LabelManagedBy identifies containers managed by auxrun. This is the
	// primary label used for filtering and discovery.
	// Key: "auxrun.managed-by", Value: always "auxrun".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelEnv stores the environment name the container runs for.
	// Key: "auxrun.env", Value: environment name (e.g., "py312").
	LabelEnv = LabelPrefix + "env"

	// LabelConfig stores the absolute path of the configuration file the
	// environment was resolved from, so containers from different
	// projects on the same host stay distinguishable.
	// Key: "auxrun.config", Value: absolute path.
	LabelConfig = LabelPrefix + "config"

	// LabelCreatedAt stores the container creation timestamp.
	// Key: "auxrun.created-at", Value: RFC3339 formatted timestamp.
	LabelCreatedAt = LabelPrefix + "created-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
const ManagedByValue = "auxrun"

// BuildLabels constructs the Docker label map for a container backing the
// given environment. configPath is the configuration file the environment
// was resolved from.
//
// Timestamps use UTC so the value is consistent regardless of the host
// machine's timezone.
func BuildLabels(env *model.Environment, configPath string, now time.Time) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelEnv:       env.Name,
		LabelConfig:    configPath,
		LabelCreatedAt: now.UTC().Format(time.RFC3339),
	}
}

// ParseLabels validates the auxrun labels on a container and returns the
// environment name and configuration path they record. This is the
// inverse of BuildLabels, used when listing containers to attribute them
// back to environments.
func ParseLabels(labels map[string]string) (envName, configPath string, err error) {
	var missing []string
	for _, key := range []string{LabelManagedBy, LabelEnv, LabelConfig} {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return "", "", fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return "", "", fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	return labels[LabelEnv], labels[LabelConfig], nil
}

// FilterLabel returns the label filter expression that matches every
// container managed by auxrun, for use with the Docker API's container
// listing endpoint.
func FilterLabel() string {
	return LabelManagedBy + "=" + ManagedByValue
}
