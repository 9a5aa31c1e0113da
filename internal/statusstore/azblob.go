package statusstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"

	"imgdraw/internal/azureclient"
	"imgdraw/internal/status"
	logx "imgdraw/pkg/logx"
)

const recordSuffix = ".json"

// azureBlobStore keeps "<category>.json" blobs and uses native blob leases as
// the lock. Creation is conditional on the blob not existing.
type azureBlobStore struct {
	container *container.Client
	log       logx.Logger
}

func openAzureBlob(ctx context.Context, cfg Config, log logx.Logger) (VersionedStore, error) {
	name := strings.TrimSpace(cfg.Container)
	if name == "" {
		return nil, errors.New("storage.container is required for azblob driver")
	}
	client, err := azureclient.NewBlob(azureclient.Config{
		ConnectionString: cfg.ConnectionString,
		ServiceURL:       cfg.ServiceURL,
	})
	if err != nil {
		return nil, err
	}
	cc := client.ServiceClient().NewContainerClient(name)
	if _, err := cc.Create(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("create status container %s: %w", name, err)
	}
	return &azureBlobStore{container: cc, log: log}, nil
}

func (s *azureBlobStore) blob(category string) *blockblob.Client {
	return s.container.NewBlockBlobClient(category + recordSuffix)
}

func (s *azureBlobStore) Close() error { return nil }

func (s *azureBlobStore) Exists(ctx context.Context, category string) (bool, error) {
	_, err := s.blob(category).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	return false, err
}

func (s *azureBlobStore) Create(ctx context.Context, category string, st *status.DirectoryStatus) error {
	b, err := status.Encode(st)
	if err != nil {
		return err
	}
	_, err = s.blob(category).Upload(ctx, streaming.NopCloser(bytes.NewReader(b)), &blockblob.UploadOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet, bloberror.LeaseIDMissing) {
		return ErrAlreadyExists
	}
	return err
}

func (s *azureBlobStore) AcquireAndRead(ctx context.Context, category string, d time.Duration) (*status.DirectoryStatus, Token, error) {
	bb := s.blob(category)
	lc, err := lease.NewBlobClient(bb, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := lc.AcquireLease(ctx, int32(d/time.Second), nil)
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return nil, "", ErrNotFound
	case bloberror.HasCode(err, bloberror.LeaseAlreadyPresent, bloberror.LeaseIsBreakingAndCannotBeAcquired):
		return nil, "", ErrLocked
	case err != nil:
		return nil, "", err
	}
	token := Token(valueOr(resp.LeaseID, ""))

	st, err := s.download(ctx, bb, token)
	if err != nil {
		_ = s.Release(ctx, category, token)
		return nil, "", err
	}
	return st, token, nil
}

func (s *azureBlobStore) download(ctx context.Context, bb *blockblob.Client, token Token) (*status.DirectoryStatus, error) {
	var opts *blob.DownloadStreamOptions
	if token != "" {
		opts = &blob.DownloadStreamOptions{
			AccessConditions: &blob.AccessConditions{
				LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: to.Ptr(string(token))},
			},
		}
	}
	resp, err := bb.DownloadStream(ctx, opts)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return status.Decode(b)
}

func (s *azureBlobStore) Write(ctx context.Context, category string, st *status.DirectoryStatus, token Token) error {
	if token == "" {
		return ErrLeaseExpiredOrStale
	}
	b, err := status.Encode(st)
	if err != nil {
		return err
	}
	_, err = s.blob(category).Upload(ctx, streaming.NopCloser(bytes.NewReader(b)), &blockblob.UploadOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
		AccessConditions: &blob.AccessConditions{
			LeaseAccessConditions: &blob.LeaseAccessConditions{LeaseID: to.Ptr(string(token))},
		},
	})
	if bloberror.HasCode(err,
		bloberror.LeaseIDMismatchWithBlobOperation,
		bloberror.LeaseNotPresentWithBlobOperation,
		bloberror.LeaseLost,
		bloberror.BlobNotFound,
	) {
		return ErrLeaseExpiredOrStale
	}
	return err
}

func (s *azureBlobStore) Release(ctx context.Context, category string, token Token) error {
	if token == "" {
		return nil
	}
	lc, err := lease.NewBlobClient(s.blob(category), &lease.BlobClientOptions{LeaseID: to.Ptr(string(token))})
	if err != nil {
		return err
	}
	_, err = lc.ReleaseLease(ctx, nil)
	return err
}

func (s *azureBlobStore) Delete(ctx context.Context, category string) (bool, error) {
	_, err := s.blob(category).Delete(ctx, &blob.DeleteOptions{
		DeleteSnapshots: to.Ptr(blob.DeleteSnapshotsOptionTypeInclude),
	})
	switch {
	case err == nil:
		return true, nil
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return false, nil
	case bloberror.HasCode(err, bloberror.LeaseIDMissing):
		return false, ErrLocked
	default:
		return false, err
	}
}

func (s *azureBlobStore) Read(ctx context.Context, category string) (*status.DirectoryStatus, error) {
	return s.download(ctx, s.blob(category), "")
}

func (s *azureBlobStore) List(ctx context.Context) ([]string, error) {
	var out []string
	pager := s.container.NewListBlobsFlatPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, it := range page.Segment.BlobItems {
			name := valueOr(it.Name, "")
			if strings.Contains(name, "/") || !strings.HasSuffix(name, recordSuffix) {
				continue
			}
			out = append(out, strings.TrimSuffix(name, recordSuffix))
		}
	}
	sort.Strings(out)
	return out, nil
}

// valueOr dereferences p, or returns def when p is nil.
func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
