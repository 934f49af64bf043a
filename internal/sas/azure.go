package sas

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	blobsas "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
)

// Permissions granted by every issued token.
var Permissions = blobsas.ContainerPermissions{
	Read:                  true,
	Add:                   true,
	Create:                true,
	Write:                 true,
	Delete:                true,
	DeletePreviousVersion: true,
	List:                  true,
	Tag:                   true,
	Move:                  true,
	Execute:               true,
	ModifyOwnership:       true,
	ModifyPermissions:     true,
}

// signUserDelegation requests a user delegation key covering [start, expiry]
// and signs an HTTPS-only container SAS with it.
func (i *Issuer) signUserDelegation(
	ctx context.Context,
	cred azcore.TokenCredential,
	serviceURL, container string,
	start, expiry time.Time,
) (string, error) {
	client, err := service.NewClient(serviceURL, cred, i.clientOptions)
	if err != nil {
		return "", fmt.Errorf("creating blob service client: %w", err)
	}

	udc, err := client.GetUserDelegationCredential(ctx, service.KeyInfo{
		Start:  to.Ptr(start.UTC().Format(blobsas.TimeFormat)),
		Expiry: to.Ptr(expiry.UTC().Format(blobsas.TimeFormat)),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("getting user delegation key: %w", err)
	}

	values, err := signatureValues(container, start, expiry).SignWithUserDelegation(udc)
	if err != nil {
		return "", fmt.Errorf("signing SAS: %w", err)
	}
	return values.Encode(), nil
}

func signatureValues(container string, start, expiry time.Time) blobsas.BlobSignatureValues {
	perms := Permissions
	return blobsas.BlobSignatureValues{
		Protocol:      blobsas.ProtocolHTTPS,
		StartTime:     start.UTC(),
		ExpiryTime:    expiry.UTC(),
		Permissions:   perms.String(),
		ContainerName: container,
	}
}
