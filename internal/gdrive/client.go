package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/agentworkforce/meetingnotes/internal/notes"
)

const (
	exportMimeType = "text/plain"
	// Drive refuses exports above 10MB.
	maxExportBytes = 10 << 20

	changeFields     = "nextPageToken,newStartPageToken,changes(changeType,fileId,removed,file(id,name,kind,mimeType))"
	permissionFields = "nextPageToken,permissions(id,emailAddress,displayName,role,type)"
)

// ServiceFactory returns a Drive service acting as user.
type ServiceFactory func(ctx context.Context, user string) (*drive.Service, error)

type Options struct {
	// CredentialsJSON is a service-account key with domain-wide delegation.
	CredentialsJSON []byte
	Scopes          []string
	ServiceFactory  ServiceFactory
	Logger          *slog.Logger
}

// Client implements the change feed, document source and subscriber on top
// of Drive v3, impersonating the user each call is made for.
type Client struct {
	factory ServiceFactory
	logger  *slog.Logger

	mu       sync.Mutex
	services map[string]*drive.Service
}

func New(opts Options) (*Client, error) {
	factory := opts.ServiceFactory
	if factory == nil {
		if len(opts.CredentialsJSON) == 0 {
			return nil, fmt.Errorf("%w: drive credentials are required", notes.ErrInvalidInput)
		}
		var err error
		factory, err = JWTServiceFactory(opts.CredentialsJSON, opts.Scopes...)
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{factory: factory, logger: logger, services: map[string]*drive.Service{}}, nil
}

// JWTServiceFactory delegates the service account to each user. A +tag in
// the address is dropped because delegation only accepts the primary
// mailbox.
func JWTServiceFactory(credentialsJSON []byte, scopes ...string) (ServiceFactory, error) {
	if len(scopes) == 0 {
		scopes = []string{drive.DriveReadonlyScope}
	}
	base, err := google.JWTConfigFromJSON(credentialsJSON, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse drive credentials: %w", err)
	}
	return func(ctx context.Context, user string) (*drive.Service, error) {
		cfg := *base
		cfg.Subject = notes.StripAddressTag(user)
		return drive.NewService(ctx, option.WithHTTPClient(cfg.Client(context.Background())))
	}, nil
}

func (c *Client) service(ctx context.Context, user string) (*drive.Service, error) {
	key := strings.ToLower(notes.StripAddressTag(user))
	if key == "" {
		return nil, fmt.Errorf("%w: drive user is required", notes.ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.services[key]; ok {
		return svc, nil
	}
	svc, err := c.factory(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("drive service for %s: %w", user, err)
	}
	c.services[key] = svc
	return svc, nil
}

func (c *Client) StartPageToken(ctx context.Context, user string) (string, error) {
	svc, err := c.service(ctx, user)
	if err != nil {
		return "", err
	}
	token, err := svc.Changes.GetStartPageToken().SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", mapError(err)
	}
	return token.StartPageToken, nil
}

func (c *Client) ListChanges(ctx context.Context, user, pageToken string) (notes.ChangePage, error) {
	svc, err := c.service(ctx, user)
	if err != nil {
		return notes.ChangePage{}, err
	}
	list, err := svc.Changes.List(pageToken).
		Fields(googleapi.Field(changeFields)).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return notes.ChangePage{}, mapError(err)
	}
	page := notes.ChangePage{
		NextPageToken:     list.NextPageToken,
		NewStartPageToken: list.NewStartPageToken,
		Changes:           make([]notes.Change, 0, len(list.Changes)),
	}
	for _, change := range list.Changes {
		if change == nil {
			continue
		}
		item := notes.Change{Type: change.ChangeType, FileID: change.FileId, Removed: change.Removed}
		if change.File != nil {
			item.File = &notes.DriveFile{
				ID:       change.File.Id,
				Name:     change.File.Name,
				Kind:     change.File.Kind,
				MimeType: change.File.MimeType,
			}
		}
		page.Changes = append(page.Changes, item)
	}
	return page, nil
}

func (c *Client) Watch(ctx context.Context, req notes.WatchRequest) (notes.WatchChannel, error) {
	svc, err := c.service(ctx, req.User)
	if err != nil {
		return notes.WatchChannel{}, err
	}
	channel := &drive.Channel{
		Id:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
		Token:   req.Token,
	}
	if !req.Expiration.IsZero() {
		channel.Expiration = req.Expiration.UnixMilli()
	}
	created, err := svc.Changes.Watch(req.PageToken, channel).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return notes.WatchChannel{}, mapError(err)
	}
	out := notes.WatchChannel{ID: created.Id, ResourceID: created.ResourceId}
	if created.Expiration > 0 {
		out.Expiration = time.UnixMilli(created.Expiration).UTC()
	}
	return out, nil
}

func (c *Client) ExportText(ctx context.Context, documentID, ownerEmail string) (string, error) {
	svc, err := c.service(ctx, ownerEmail)
	if err != nil {
		return "", err
	}
	resp, err := svc.Files.Export(documentID, exportMimeType).Context(ctx).Download()
	if err != nil {
		return "", mapError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExportBytes+1))
	if err != nil {
		return "", fmt.Errorf("read export of %s: %w", documentID, err)
	}
	if len(body) > maxExportBytes {
		return "", fmt.Errorf("%w: export of %s exceeds %d bytes", notes.ErrInvalidInput, documentID, maxExportBytes)
	}
	return string(body), nil
}

func (c *Client) ListPermissions(ctx context.Context, documentID, ownerEmail string) ([]notes.Permission, error) {
	svc, err := c.service(ctx, ownerEmail)
	if err != nil {
		return nil, err
	}
	var out []notes.Permission
	err = svc.Permissions.List(documentID).
		IncludePermissionsForView("published").
		SupportsAllDrives(true).
		Fields(googleapi.Field(permissionFields)).
		Pages(ctx, func(list *drive.PermissionList) error {
			for _, permission := range list.Permissions {
				if permission == nil {
					continue
				}
				out = append(out, notes.Permission{
					ID:           permission.Id,
					EmailAddress: permission.EmailAddress,
					DisplayName:  permission.DisplayName,
					Role:         permission.Role,
					Type:         permission.Type,
				})
			}
			return nil
		})
	if err != nil {
		return nil, mapError(err)
	}
	c.logger.Debug("permissions_listed", "document_id", documentID, "count", len(out))
	return out, nil
}

func mapError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 404 {
		return fmt.Errorf("%w: %s", notes.ErrNotFound, apiErr.Message)
	}
	return err
}
