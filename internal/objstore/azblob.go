package objstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"

	"imgdraw/internal/azureclient"
	logx "imgdraw/pkg/logx"
)

type azureBlobStore struct {
	name      string
	service   *service.Client
	container *container.Client
	log       logx.Logger
}

func openAzureBlob(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	name := strings.TrimSpace(cfg.Container)
	if name == "" {
		return nil, errors.New("objects.container is required for azblob driver")
	}
	client, err := azureclient.NewBlob(azureclient.Config{
		ConnectionString: cfg.ConnectionString,
		ServiceURL:       cfg.ServiceURL,
	})
	if err != nil {
		return nil, err
	}
	svc := client.ServiceClient()
	return &azureBlobStore{
		name:      name,
		service:   svc,
		container: svc.NewContainerClient(name),
		log:       log.With(logx.String("container", name)),
	}, nil
}

func (s *azureBlobStore) Close() error { return nil }

func (s *azureBlobStore) ListCategories(ctx context.Context) ([]string, error) {
	var out []string
	pager := s.container.NewListBlobsHierarchyPager("/", nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list categories in %s: %w", s.name, err)
		}
		for _, p := range page.Segment.BlobPrefixes {
			if name := strings.TrimSuffix(valueOr(p.Name, ""), "/"); name != "" {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *azureBlobStore) ListItems(ctx context.Context, category string) ([]string, error) {
	prefix := category + "/"
	var out []string
	pager := s.container.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
		Prefix: to.Ptr(prefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list items in %s/%s: %w", s.name, category, err)
		}
		for _, it := range page.Segment.BlobItems {
			if name := valueOr(it.Name, ""); directChild(prefix, name) {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *azureBlobStore) ItemExists(ctx context.Context, id string) (bool, error) {
	_, err := s.container.NewBlobClient(strings.TrimPrefix(id, "/")).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	return false, err
}

// SignedURL signs with the account key when the client has one, otherwise
// with a user delegation key obtained through the token credential.
func (s *azureBlobStore) SignedURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	id = strings.TrimPrefix(id, "/")
	bc := s.container.NewBlobClient(id)
	expiry := time.Now().UTC().Add(ttl)

	u, err := bc.GetSASURL(sas.BlobPermissions{Read: true}, expiry, nil)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, bloberror.MissingSharedKeyCredential) {
		return "", err
	}

	start := time.Now().UTC().Add(-5 * time.Minute)
	udc, err := s.service.GetUserDelegationCredential(ctx, service.KeyInfo{
		Start:  to.Ptr(start.Format(sas.TimeFormat)),
		Expiry: to.Ptr(expiry.Format(sas.TimeFormat)),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("get user delegation key: %w", err)
	}
	qp, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     start,
		ExpiryTime:    expiry,
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.name,
		BlobName:      id,
	}.SignWithUserDelegation(udc)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", id, err)
	}
	return bc.URL() + "?" + qp.Encode(), nil
}

// valueOr dereferences p, or returns def when p is nil.
func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
