package crd

import (
	"fmt"

	sasv1alpha1 "github.com/lukasngl/sas-operator/api/v1alpha1"
	"sigs.k8s.io/yaml"
)

// GenerateKustomizePatch creates a strategic merge patch that adds the spec
// and status schemas to a CRD generated by controller-gen, for deployments
// that manage the CRD through kustomize instead of [Generate].
func GenerateKustomizePatch() ([]byte, error) {
	base := Base()
	if len(base.Spec.Versions) == 0 {
		return nil, fmt.Errorf("base CRD has no versions")
	}

	patch := map[string]any{
		"apiVersion": base.APIVersion,
		"kind":       base.Kind,
		"metadata": map[string]any{
			"name": base.Name,
		},
		"spec": map[string]any{
			"versions": []map[string]any{{
				"name": sasv1alpha1.GroupVersion.Version,
				"schema": map[string]any{
					"openAPIV3Schema": map[string]any{
						"properties": map[string]any{
							"spec":   SpecSchema.Value(),
							"status": StatusSchema.Value(),
						},
					},
				},
			}},
		},
	}

	return yaml.Marshal(patch)
}
