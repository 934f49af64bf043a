// Package crd generates the SasGenerator CustomResourceDefinition from the
// Go API types.
package crd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-openapi/jsonpointer"
	sasv1alpha1 "github.com/lukasngl/sas-operator/api/v1alpha1"
	"gopkg.in/yaml.v3"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	sigsyaml "sigs.k8s.io/yaml"
)

// DefaultOutputPath is where the CRD is written when no path is given.
const DefaultOutputPath = "crd.yaml"

// JSON Pointer to the root schema of the served version.
const schemaPointer = "/spec/versions/0/schema/openAPIV3Schema"

// Schemas of the spec and status, reflected from the API types.
var (
	SpecSchema   = MustSchema(&sasv1alpha1.SasGeneratorSpec{})
	StatusSchema = MustSchema(&sasv1alpha1.SasGeneratorStatus{})
)

// Base returns the CRD without the spec and status schemas.
func Base() *apiextensionsv1.CustomResourceDefinition {
	return &apiextensionsv1.CustomResourceDefinition{
		TypeMeta: metav1.TypeMeta{
			APIVersion: apiextensionsv1.SchemeGroupVersion.String(),
			Kind:       "CustomResourceDefinition",
		},
		ObjectMeta: metav1.ObjectMeta{
			Name: "sasgenerators." + sasv1alpha1.GroupVersion.Group,
		},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: sasv1alpha1.GroupVersion.Group,
			Names: apiextensionsv1.CustomResourceDefinitionNames{
				Kind:       "SasGenerator",
				ListKind:   "SasGeneratorList",
				Plural:     "sasgenerators",
				Singular:   "sasgenerator",
				ShortNames: []string{"sasgen"},
			},
			Scope: apiextensionsv1.NamespaceScoped,
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{{
				Name:    sasv1alpha1.GroupVersion.Version,
				Served:  true,
				Storage: true,
				Schema: &apiextensionsv1.CustomResourceValidation{
					OpenAPIV3Schema: &apiextensionsv1.JSONSchemaProps{Type: "object"},
				},
				Subresources: &apiextensionsv1.CustomResourceSubresources{
					Status: &apiextensionsv1.CustomResourceSubresourceStatus{},
				},
				AdditionalPrinterColumns: []apiextensionsv1.CustomResourceColumnDefinition{
					{Name: "Account", Type: "string", JSONPath: ".spec.storageAccount"},
					{Name: "Container", Type: "string", JSONPath: ".spec.containerName"},
					{Name: "Expiry", Type: "string", JSONPath: ".status.expiry"},
					{Name: "Age", Type: "date", JSONPath: ".metadata.creationTimestamp"},
				},
			}},
		},
	}
}

// Generate returns the complete CRD as YAML bytes.
func Generate() ([]byte, error) {
	base, err := json.Marshal(Base())
	if err != nil {
		return nil, fmt.Errorf("marshaling base CRD: %w", err)
	}
	return Patch(base)
}

// Patch takes base CRD bytes (YAML or JSON), injects the spec and status
// schemas and returns the complete CRD as YAML bytes.
func Patch(baseCRD []byte) ([]byte, error) {
	var crd map[string]any
	if err := yaml.Unmarshal(baseCRD, &crd); err != nil {
		return nil, fmt.Errorf("unmarshaling base CRD: %w", err)
	}

	// Fields the API server fills in.
	delete(crd, "status")
	if meta, ok := crd["metadata"].(map[string]any); ok {
		delete(meta, "creationTimestamp")
	}

	ptr, err := jsonpointer.New(schemaPointer)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON pointer: %w", err)
	}

	root, _, err := ptr.Get(crd)
	if err != nil {
		return nil, fmt.Errorf("getting schema from CRD: %w", err)
	}

	rootMap, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema is not a map")
	}

	rootMap["type"] = "object"
	rootMap["properties"] = map[string]any{
		"apiVersion": map[string]any{"type": "string"},
		"kind":       map[string]any{"type": "string"},
		"metadata":   map[string]any{"type": "object"},
		"spec":       SpecSchema.Value(),
		"status":     StatusSchema.Value(),
	}
	rootMap["required"] = []any{"spec"}

	return yaml.Marshal(crd)
}

// Build returns the complete CRD as a typed object.
func Build() (*apiextensionsv1.CustomResourceDefinition, error) {
	out, err := Generate()
	if err != nil {
		return nil, err
	}
	var crd apiextensionsv1.CustomResourceDefinition
	if err := sigsyaml.Unmarshal(out, &crd); err != nil {
		return nil, fmt.Errorf("decoding generated CRD: %w", err)
	}
	return &crd, nil
}

// Write generates the CRD and writes it to path.
func Write(path string) error {
	out, err := Generate()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing CRD: %w", err)
	}
	return nil
}

// ValidateSpec checks spec against the schema the API server enforces.
func ValidateSpec(spec sasv1alpha1.SasGeneratorSpec) error {
	return SpecSchema.Validate(spec)
}
