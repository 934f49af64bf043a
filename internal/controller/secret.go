/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"fmt"
	"time"

	sasv1alpha1 "github.com/lukasngl/sas-operator/api/v1alpha1"
	operrors "github.com/lukasngl/sas-operator/internal/errors"
	"github.com/lukasngl/sas-operator/internal/sas"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Labels, annotations and data keys of the published Secret.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelAccount   = "sas.ngl.cx/account"
	LabelContainer = "sas.ngl.cx/container"

	AnnotationGenerated = "sas.ngl.cx/generated"
	AnnotationExpires   = "sas.ngl.cx/expires"

	KeyToken     = "sas_token"
	KeyAccount   = "account"
	KeyContainer = "container"
)

// desiredSecret builds the full desired state of the Secret that mirrors
// info for gen.
func desiredSecret(gen *sasv1alpha1.SasGenerator, name string, info *sas.TokenInfo) *corev1.Secret {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: gen.Namespace,
			Labels: map[string]string{
				LabelManagedBy: FieldOwner,
				LabelAccount:   gen.Spec.StorageAccount,
				LabelContainer: gen.Spec.ContainerName,
			},
			Annotations: map[string]string{
				AnnotationGenerated: info.Generated.UTC().Format(time.RFC3339),
				AnnotationExpires:   info.Expiry.UTC().Format(time.RFC3339),
			},
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			KeyToken:     []byte(info.Token),
			KeyAccount:   []byte(gen.Spec.StorageAccount),
			KeyContainer: []byte(gen.Spec.ContainerName),
		},
	}
	secret.SetGroupVersionKind(corev1.SchemeGroupVersion.WithKind("Secret"))
	return secret
}

// ensureSecret creates the Secret owned by owner, or overwrites an existing
// one with the desired state. The data of an existing Secret is replaced as a
// whole, keys written by others included. Foreign labels and annotations are
// kept. Ensuring the same state twice writes nothing the second time.
func (r *SasGeneratorReconciler) ensureSecret(ctx context.Context, owner *sasv1alpha1.SasGenerator, desired *corev1.Secret) error {
	key := client.ObjectKeyFromObject(desired)
	log := log.FromContext(ctx).WithValues("secret", key)

	var existing corev1.Secret
	err := r.Get(ctx, key, &existing)
	switch {
	case apierrors.IsNotFound(err):
		if err := controllerutil.SetControllerReference(owner, desired, r.Scheme); err != nil {
			return ownerRefError(key, err)
		}
		if err := r.Create(ctx, desired, client.FieldOwner(FieldOwner)); err != nil {
			return &operrors.ApplyError{Target: operrors.TargetSecret, Object: key, Err: err}
		}
		log.Info("created secret")
		return nil
	case err != nil:
		return &operrors.ResourceStoreError{Op: "get", Object: key, Err: err}
	}

	updated := existing.DeepCopy()
	if err := controllerutil.SetControllerReference(owner, updated, r.Scheme); err != nil {
		return ownerRefError(key, err)
	}
	updated.Labels = mergeStrings(updated.Labels, desired.Labels)
	updated.Annotations = mergeStrings(updated.Annotations, desired.Annotations)
	updated.Data = desired.Data
	updated.StringData = nil
	if updated.Type == "" {
		updated.Type = desired.Type
	}

	if equality.Semantic.DeepEqual(&existing, updated) {
		log.V(1).Info("secret up to date")
		return nil
	}
	if err := r.Update(ctx, updated, client.FieldOwner(FieldOwner)); err != nil {
		return &operrors.ApplyError{Target: operrors.TargetSecret, Object: key, Err: err}
	}
	log.V(1).Info("updated secret")
	return nil
}

func ownerRefError(key client.ObjectKey, err error) error {
	return &operrors.ApplyError{
		Target: operrors.TargetSecret,
		Object: key,
		Err:    fmt.Errorf("setting owner reference: %w", err),
	}
}

// mergeStrings sets every entry of src on dst, allocating dst if needed.
func mergeStrings(dst, src map[string]string) map[string]string {
	if dst == nil && len(src) > 0 {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
