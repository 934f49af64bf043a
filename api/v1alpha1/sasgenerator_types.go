package v1alpha1

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

func init() {
	SchemeBuilder.Register(&SasGenerator{}, &SasGeneratorList{})
}

// DefaultSecretPrefix is prepended to account and container when no secret
// name is given.
const DefaultSecretPrefix = "sas"

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=sasgen
// +kubebuilder:printcolumn:name="Account",type="string",JSONPath=`.spec.storageAccount`
// +kubebuilder:printcolumn:name="Container",type="string",JSONPath=`.spec.containerName`
// +kubebuilder:printcolumn:name="Expiry",type="string",JSONPath=`.status.expiry`
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=`.metadata.creationTimestamp`

// SasGenerator keeps a user delegation SAS token for one blob container
// fresh and mirrors it into an owned Secret.
type SasGenerator struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitzero"`

	Spec   SasGeneratorSpec    `json:"spec,omitzero"`
	Status *SasGeneratorStatus `json:"status,omitempty"`
}

// SasGeneratorSpec defines the desired state.
type SasGeneratorSpec struct {
	// StorageAccount is the Azure storage account name.
	// +kubebuilder:validation:Required
	StorageAccount string `json:"storageAccount" jsonschema:"required,minLength=3,maxLength=24,pattern=^[a-z0-9]+$" jsonschema_description:"Azure storage account name."`

	// ContainerName is the blob container the token is scoped to.
	// +kubebuilder:validation:Required
	ContainerName string `json:"containerName" jsonschema:"required,minLength=3,maxLength=63,pattern=^[a-z0-9]([a-z0-9]|-[a-z0-9])*$" jsonschema_description:"Blob container the token is scoped to."`

	// SecretName overrides the name of the generated Secret.
	// +optional
	SecretName string `json:"secretName,omitempty" jsonschema:"maxLength=253" jsonschema_description:"Name of the generated Secret. Defaults to sas-<account>-<container>."`

	// SasTTLHours overrides the controller-wide token lifetime.
	// +optional
	SasTTLHours *int64 `json:"sasTtlHours,omitempty" jsonschema:"minimum=1,maximum=168" jsonschema_description:"Token lifetime in hours. User delegation keys are valid for at most seven days."`

	// SasRenewalHours overrides the controller-wide renewal window.
	// +optional
	SasRenewalHours *int64 `json:"sasRenewalHours,omitempty" jsonschema:"minimum=0,maximum=168" jsonschema_description:"Hours before expiry at which the token is renewed."`
}

// SasGeneratorStatus is written by the controller only.
type SasGeneratorStatus struct {
	// Token is the last issued SAS token.
	Token string `json:"token,omitempty"`
	// TargetSecret is the resolved name of the generated Secret. Once set it
	// is not changed.
	TargetSecret string `json:"targetSecret,omitempty"`
	// Generated is the issuance time in RFC3339.
	Generated string `json:"generated,omitempty" jsonschema:"format=date-time"`
	// Expiry is the expiry time in RFC3339.
	Expiry string `json:"expiry,omitempty" jsonschema:"format=date-time"`
}

// TTLHours returns the per-resource lifetime override, or def.
func (s *SasGenerator) TTLHours(def int64) int64 {
	if s.Spec.SasTTLHours != nil {
		return *s.Spec.SasTTLHours
	}
	return def
}

// RenewalHours returns the per-resource renewal window override, or def.
func (s *SasGenerator) RenewalHours(def int64) int64 {
	if s.Spec.SasRenewalHours != nil {
		return *s.Spec.SasRenewalHours
	}
	return def
}

// TargetSecretName resolves the output Secret name. A name already pinned in
// the status wins over the spec so that a published Secret is never orphaned.
func (s *SasGenerator) TargetSecretName() string {
	if s.Status != nil && s.Status.TargetSecret != "" {
		return s.Status.TargetSecret
	}
	if s.Spec.SecretName != "" {
		return s.Spec.SecretName
	}
	return fmt.Sprintf("%s-%s-%s", DefaultSecretPrefix, s.Spec.StorageAccount, s.Spec.ContainerName)
}

// DeepCopy returns a deep copy of the status.
func (s *SasGeneratorStatus) DeepCopy() *SasGeneratorStatus {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// DeepCopyObject implements [runtime.Object].
func (s *SasGenerator) DeepCopyObject() runtime.Object {
	cp := *s
	cp.ObjectMeta = *s.ObjectMeta.DeepCopy()
	cp.Status = s.Status.DeepCopy()
	if s.Spec.SasTTLHours != nil {
		v := *s.Spec.SasTTLHours
		cp.Spec.SasTTLHours = &v
	}
	if s.Spec.SasRenewalHours != nil {
		v := *s.Spec.SasRenewalHours
		cp.Spec.SasRenewalHours = &v
	}
	return &cp
}

// +kubebuilder:object:root=true

// SasGeneratorList contains a list of SasGenerator resources.
type SasGeneratorList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []SasGenerator `json:"items"`
}

// DeepCopyObject implements [runtime.Object].
func (s *SasGeneratorList) DeepCopyObject() runtime.Object {
	cp := *s
	cp.ListMeta = *s.ListMeta.DeepCopy()
	if s.Items != nil {
		cp.Items = make([]SasGenerator, len(s.Items))
		for i := range s.Items {
			cp.Items[i] = *s.Items[i].DeepCopyObject().(*SasGenerator)
		}
	}
	return &cp
}
