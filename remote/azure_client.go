package remote

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
)

// AzureAuth selects how the Azure Blob client authenticates. Settings are
// tried in order: connection string, shared key, managed identity. The zero
// value falls back to DefaultAzureCredential.
type AzureAuth struct {
	// ConnectionString is a full storage account connection string.
	ConnectionString string
	// AccountName and AccountKey form a shared key credential.
	AccountName string
	AccountKey  string
	// UseManagedIdentity selects managed identity credentials.
	UseManagedIdentity bool
}

// newAzureBlockBlobClient creates a real Azure block blob client for one
// blob in one container.
func newAzureBlockBlobClient(accountURL, container, blobName string, auth AzureAuth) (*blockblob.Client, error) {
	client, err := newAzureServiceClient(accountURL, auth)
	if err != nil {
		return nil, err
	}
	return client.ServiceClient().NewContainerClient(container).NewBlockBlobClient(blobName), nil
}

// newAzureServiceClient creates a real Azure Blob service client. If a
// connection string is set, it uses connection string auth. If an account
// key is set, it uses shared key auth. If UseManagedIdentity is true, it
// uses managed identity credentials. Otherwise it falls back to
// DefaultAzureCredential.
func newAzureServiceClient(accountURL string, auth AzureAuth) (*azblob.Client, error) {
	if auth.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(auth.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return client, nil
	}

	if auth.AccountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(auth.AccountName, auth.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("creating Azure shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with shared key: %w", err)
		}
		return client, nil
	}

	if auth.UseManagedIdentity {
		cred, err := azidentity.NewManagedIdentityCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure managed identity credential: %w", err)
		}
		client, err := azblob.NewClient(accountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client with managed identity: %w", err)
		}
		return client, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}

	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}

	return client, nil
}

// Ensure the real SDK client satisfies AzureAPI at compile time.
var _ AzureAPI = (*blockblob.Client)(nil)
