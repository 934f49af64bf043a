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

	sasv1alpha1 "github.com/lukasngl/sas-operator/api/v1alpha1"
	operrors "github.com/lukasngl/sas-operator/internal/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// updateStatus replaces the status of gen in a single merge patch against
// the status subresource. Spec and metadata are left untouched.
func (r *SasGeneratorReconciler) updateStatus(ctx context.Context, gen *sasv1alpha1.SasGenerator, status *sasv1alpha1.SasGeneratorStatus) error {
	base := gen.DeepCopyObject().(*sasv1alpha1.SasGenerator)
	gen.Status = status
	if err := r.Status().Patch(ctx, gen, client.MergeFrom(base), &client.SubResourcePatchOptions{
		PatchOptions: client.PatchOptions{FieldManager: FieldOwner},
	}); err != nil {
		return &operrors.ApplyError{
			Target: operrors.TargetStatus,
			Object: client.ObjectKeyFromObject(gen),
			Err:    err,
		}
	}
	return nil
}
