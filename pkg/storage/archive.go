// Package storage provides the blob archive for dead-lettered tasks.
// Records are written as JSON blobs so a dead task survives stream
// retention and can be inspected or replayed later.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"
)

// Archiver persists dead-letter records outside the message stream.
type Archiver interface {
	UploadRecord(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)
	DownloadRecord(ctx context.Context, reference string) ([]byte, error)
}

// AzureArchive implements Archiver over Azure Blob Storage with shared-key
// auth. HTTP endpoints are allowed so local Azurite instances work in
// development.
type AzureArchive struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger
	containerInit bool
}

// NewAzureArchive creates an archive client from a standard Azure storage
// connection string.
func NewAzureArchive(connectionString, containerName string, logger *zap.Logger) (*AzureArchive, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &AzureArchive{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		logger:        logger,
	}, nil
}

// UploadRecord writes a dead-letter record to the archive container and
// returns the blob URL.
func (a *AzureArchive) UploadRecord(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if err := a.ensureContainer(ctx); err != nil {
		return "", err
	}

	metadataPtr := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		metadataPtr[k] = to.Ptr(v)
	}

	blobClient := a.client.ServiceClient().
		NewContainerClient(a.containerName).
		NewBlockBlobClient(blobPath)

	_, err := blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: metadataPtr,
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		a.logger.Error("failed to archive dead-letter record",
			zap.String("blob_path", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("archive upload failed: %w", err)
	}

	a.logger.Info("dead-letter record archived",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))

	return blobClient.URL(), nil
}

// DownloadRecord reads an archived record back, accepting either a bare
// blob path or the full blob URL returned by UploadRecord.
func (a *AzureArchive) DownloadRecord(ctx context.Context, reference string) ([]byte, error) {
	blobPath, err := a.extractBlobPath(reference)
	if err != nil {
		return nil, err
	}

	blobClient := a.client.ServiceClient().
		NewContainerClient(a.containerName).
		NewBlobClient(blobPath)

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download record: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read record data: %w", err)
	}

	return data, nil
}

func (a *AzureArchive) ensureContainer(ctx context.Context) error {
	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
			a.containerInit = true
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "containeralreadyexists") {
			a.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	a.containerInit = true
	return nil
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}

func (a *AzureArchive) extractBlobPath(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", fmt.Errorf("blob reference is required")
	}

	if strings.HasPrefix(strings.ToLower(ref), strings.ToLower(a.serviceURL)) {
		ref = ref[len(a.serviceURL):]
	}

	if idx := strings.Index(ref, "?"); idx != -1 {
		ref = ref[:idx]
	}

	ref = strings.TrimSpace(ref)
	if decoded, err := url.PathUnescape(ref); err == nil && decoded != "" {
		ref = decoded
	}

	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		ref = u.Path
	}

	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, a.containerName+"/")

	if ref == "" {
		return "", fmt.Errorf("blob path is empty")
	}

	return ref, nil
}
