// Package vsphere drives the compute units of a VM fleet hosted on vCenter.
// It implements the resize orchestrator's Compute contract and the cluster
// cleanup hooks the fleet target runs before force deleting a stack.
package vsphere

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25"

	"github.com/botgate/botgate/pkg/telemetry"
)

// Config locates the vCenter and the folder holding fleet VMs.
type Config struct {
	URL        string
	Username   string
	Password   string
	Insecure   bool
	Datacenter string
	// Folder is the VM folder compute ids are resolved in. Empty uses the
	// datacenter's default VM folder.
	Folder string
}

// Client wraps a govmomi session scoped to one datacenter.
type Client struct {
	vim    *vim25.Client
	logout func(context.Context) error
	finder *find.Finder
	folder string
}

// Connect logs in to vCenter.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	host := cfg.URL
	if !strings.HasPrefix(host, "https://") && !strings.HasPrefix(host, "http://") {
		host = "https://" + host
	}
	u, err := url.Parse(strings.TrimSuffix(host, "/") + "/sdk")
	if err != nil {
		return nil, fmt.Errorf("invalid vCenter URL '%s': %w", cfg.URL, err)
	}
	u.User = url.UserPassword(cfg.Username, cfg.Password)

	gc, err := govmomi.NewClient(ctx, u, cfg.Insecure)
	if err != nil {
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "401") || strings.Contains(errStr, "Cannot complete login"):
			return nil, fmt.Errorf("vCenter authentication failed for %s", cfg.Username)
		case strings.Contains(errStr, "x509") || strings.Contains(errStr, "certificate"):
			return nil, fmt.Errorf("SSL certificate error connecting to %s, set insecure: true for self-signed vCenters", cfg.URL)
		}
		return nil, fmt.Errorf("failed to connect to vCenter at %s: %w", cfg.URL, err)
	}

	c, err := NewFromClient(ctx, gc.Client, cfg.Datacenter, cfg.Folder)
	if err != nil {
		_ = gc.Logout(ctx)
		return nil, err
	}
	c.logout = gc.Logout

	telemetry.FromContext(ctx).NewComponentLogger("vsphere").
		WithFields(map[string]interface{}{"url": cfg.URL, "datacenter": cfg.Datacenter}).
		Info("vSphere connected")
	return c, nil
}

// NewFromClient builds a Client over an existing session.
func NewFromClient(ctx context.Context, vc *vim25.Client, datacenter, folder string) (*Client, error) {
	finder := find.NewFinder(vc, true)

	var (
		dc  *object.Datacenter
		err error
	)
	if datacenter == "" {
		dc, err = finder.DefaultDatacenter(ctx)
	} else {
		dc, err = finder.Datacenter(ctx, datacenter)
	}
	if err != nil {
		return nil, fmt.Errorf("error accessing datacenter '%s': %w", datacenter, err)
	}
	finder.SetDatacenter(dc)

	return &Client{vim: vc, finder: finder, folder: folder}, nil
}

// Close logs out of vCenter.
func (c *Client) Close(ctx context.Context) error {
	if c.logout == nil {
		return nil
	}
	return c.logout(ctx)
}

// vm resolves a compute id, which is a VM name or inventory path.
func (c *Client) vm(ctx context.Context, id string) (*object.VirtualMachine, error) {
	p := id
	if c.folder != "" && !strings.HasPrefix(id, "/") {
		p = path.Join(c.folder, id)
	}
	vm, err := c.finder.VirtualMachine(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("compute unit %s: %w", id, err)
	}
	return vm, nil
}

// members lists the VMs whose name starts with prefix.
func (c *Client) members(ctx context.Context, prefix string) ([]*object.VirtualMachine, error) {
	pattern := prefix + "*"
	if c.folder != "" {
		pattern = path.Join(c.folder, pattern)
	}
	vms, err := c.finder.VirtualMachineList(ctx, pattern)
	if err != nil {
		var nf *find.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, err
	}
	return vms, nil
}
