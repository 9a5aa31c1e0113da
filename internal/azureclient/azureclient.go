// Package azureclient builds Azure Storage clients from either a connection
// string or a service URL plus the default credential chain.
package azureclient

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// Config selects the account. ConnectionString wins when both are set.
type Config struct {
	ConnectionString string
	ServiceURL       string
}

var (
	credOnce sync.Once
	cred     azcore.TokenCredential
	credErr  error
)

func defaultCredential() (azcore.TokenCredential, error) {
	credOnce.Do(func() {
		c, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			credErr = fmt.Errorf("loading Azure credentials: %w", err)
			return
		}
		cred = c
	})
	return cred, credErr
}

// NewBlob returns a blob service client.
func NewBlob(cfg Config) (*azblob.Client, error) {
	if cs := strings.TrimSpace(cfg.ConnectionString); cs != "" {
		c, err := azblob.NewClientFromConnectionString(cs, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob client: %w", err)
		}
		return c, nil
	}
	if strings.TrimSpace(cfg.ServiceURL) == "" {
		return nil, fmt.Errorf("azure blob: connection string or service url is required")
	}
	tc, err := defaultCredential()
	if err != nil {
		return nil, err
	}
	c, err := azblob.NewClient(cfg.ServiceURL, tc, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return c, nil
}

// NewQueue returns a client for one queue.
func NewQueue(cfg Config, queueName string) (*azqueue.QueueClient, error) {
	if strings.TrimSpace(queueName) == "" {
		return nil, fmt.Errorf("azure queue: queue name is required")
	}
	if cs := strings.TrimSpace(cfg.ConnectionString); cs != "" {
		svc, err := azqueue.NewServiceClientFromConnectionString(cs, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create queue service client: %w", err)
		}
		return svc.NewQueueClient(queueName), nil
	}
	if strings.TrimSpace(cfg.ServiceURL) == "" {
		return nil, fmt.Errorf("azure queue: connection string or service url is required")
	}
	tc, err := defaultCredential()
	if err != nil {
		return nil, err
	}
	svc, err := azqueue.NewServiceClient(cfg.ServiceURL, tc, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue service client: %w", err)
	}
	return svc.NewQueueClient(queueName), nil
}
