// Package azure discovers running Azure VMs and VM Scale Set instances
// with the armcompute/armnetwork SDKs, following the client-construction
// idiom used for disk and network resources in the teacher's Azure
// provider (one typed client per resource, built once and reused).
package azure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"golang.org/x/sync/errgroup"

	"github.com/gspiliotis/haproxy-cloud-discovery/internal/cloudinstance"
	"github.com/gspiliotis/haproxy-cloud-discovery/internal/config"
)

var logger = loggo.GetLogger("haproxycloud.discovery.azure")

// maxConcurrentIPLookups bounds how many NIC/instance-view lookups run at
// once while resolving a VMSS's instance IPs, so a large scale set does not
// open hundreds of simultaneous ARM requests.
const maxConcurrentIPLookups = 16

const (
	runningPowerState = "powerstate/running"
)

// Client discovers VMs and VM Scale Set instances across the configured
// resource groups (or the whole subscription, if none are configured) and
// returns them as plain, unfiltered cloudinstance.Instance values; tag
// based filtering and grouping happen downstream in internal/discovery.
type Client struct {
	subscriptionID string
	resourceGroups []string

	vms        *armcompute.VirtualMachinesClient
	vmssClient *armcompute.VirtualMachineScaleSetsClient
	vmssVMs    *armcompute.VirtualMachineScaleSetVMsClient
	interfaces *armnetwork.InterfacesClient
}

// New builds a Client with the default Azure credential chain
// (environment, managed identity, Azure CLI, in that order).
func New(cfg config.AzureConfig) (*Client, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Annotate(err, "acquiring azure credential")
	}
	return newWithCredential(cfg, cred)
}

func newWithCredential(cfg config.AzureConfig, cred azcore.TokenCredential) (*Client, error) {
	vms, err := armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, errors.Annotate(err, "creating virtual machines client")
	}
	vmssClient, err := armcompute.NewVirtualMachineScaleSetsClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, errors.Annotate(err, "creating scale sets client")
	}
	vmssVMs, err := armcompute.NewVirtualMachineScaleSetVMsClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, errors.Annotate(err, "creating scale set vms client")
	}
	interfaces, err := armnetwork.NewInterfacesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, errors.Annotate(err, "creating network interfaces client")
	}

	return &Client{
		subscriptionID: cfg.SubscriptionID,
		resourceGroups: cfg.ResourceGroups,
		vms:            vms,
		vmssClient:     vmssClient,
		vmssVMs:        vmssVMs,
		interfaces:     interfaces,
	}, nil
}

// DiscoverAll implements discovery.Client.
func (c *Client) DiscoverAll(ctx context.Context) ([]cloudinstance.Instance, error) {
	var instances []cloudinstance.Instance

	vmInstances, err := c.discoverVMs(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "discovering virtual machines")
	}
	instances = append(instances, vmInstances...)

	vmssInstances, err := c.discoverVMSS(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "discovering scale set instances")
	}
	instances = append(instances, vmssInstances...)

	logger.Infof("azure discovery complete: %d instances", len(instances))
	return instances, nil
}

func (c *Client) discoverVMs(ctx context.Context) ([]cloudinstance.Instance, error) {
	var raw []*armcompute.VirtualMachine
	if len(c.resourceGroups) > 0 {
		for _, rg := range c.resourceGroups {
			pager := c.vms.NewListPager(rg, nil)
			for pager.More() {
				page, err := pager.NextPage(ctx)
				if err != nil {
					return nil, errors.Annotatef(err, "listing vms in resource group %s", rg)
				}
				raw = append(raw, page.Value...)
			}
		}
	} else {
		pager := c.vms.NewListAllPager(nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, errors.Annotate(err, "listing vms")
			}
			raw = append(raw, page.Value...)
		}
	}

	var instances []cloudinstance.Instance
	for _, vm := range raw {
		if vm.Name == nil || vm.ID == nil {
			continue
		}
		rg := resourceGroupFromID(*vm.ID)

		running, err := c.isRunningVM(ctx, rg, *vm.Name)
		if err != nil {
			logger.Debugf("could not get instance view for vm %s/%s: %v", rg, *vm.Name, err)
			continue
		}
		if !running {
			logger.Debugf("skipping vm %s: not running", *vm.Name)
			continue
		}

		ip, err := c.resolveVMIP(ctx, vm)
		if err != nil || ip == "" {
			logger.Warningf("vm %s has no resolvable private ip, skipping", *vm.Name)
			continue
		}

		id := *vm.Name
		if vm.Properties != nil && vm.Properties.VMID != nil {
			id = *vm.Properties.VMID
		}

		instances = append(instances, cloudinstance.Instance{
			ID:        id,
			Name:      *vm.Name,
			IP:        ip,
			Region:    stringOrEmpty(vm.Location),
			Zone:      firstZone(vm.Zones),
			Tags:      stringMap(vm.Tags),
			Namespace: rg,
			Source:    "vm",
			CreatedAt: vmCreatedAt(vm),
		})
	}
	logger.Infof("vm discovery found %d running instances", len(instances))
	return instances, nil
}

func (c *Client) isRunningVM(ctx context.Context, resourceGroup, name string) (bool, error) {
	view, err := c.vms.InstanceView(ctx, resourceGroup, name, nil)
	if err != nil {
		return false, errors.Trace(err)
	}
	for _, status := range view.Statuses {
		if status.Code != nil && strings.EqualFold(*status.Code, runningPowerState) {
			return true, nil
		}
	}
	return false, nil
}

// resolveVMIP walks a VM's NICs in order and returns the first private IP
// found, matching the original's "stop at the first NIC with an address"
// behavior.
func (c *Client) resolveVMIP(ctx context.Context, vm *armcompute.VirtualMachine) (string, error) {
	if vm.Properties == nil || vm.Properties.NetworkProfile == nil {
		return "", nil
	}
	for _, ref := range vm.Properties.NetworkProfile.NetworkInterfaces {
		if ref.ID == nil {
			continue
		}
		nicRG := resourceGroupFromID(*ref.ID)
		nicName := nameFromID(*ref.ID)

		nic, err := c.interfaces.Get(ctx, nicRG, nicName, nil)
		if err != nil {
			logger.Debugf("could not fetch nic %s: %v", *ref.ID, err)
			continue
		}
		if ip := firstPrivateIP(nic.Properties); ip != "" {
			return ip, nil
		}
	}
	return "", nil
}

func (c *Client) discoverVMSS(ctx context.Context) ([]cloudinstance.Instance, error) {
	var sets []*armcompute.VirtualMachineScaleSet
	if len(c.resourceGroups) > 0 {
		for _, rg := range c.resourceGroups {
			pager := c.vmssClient.NewListPager(rg, nil)
			for pager.More() {
				page, err := pager.NextPage(ctx)
				if err != nil {
					return nil, errors.Annotatef(err, "listing scale sets in resource group %s", rg)
				}
				sets = append(sets, page.Value...)
			}
		}
	} else {
		pager := c.vmssClient.NewListAllPager(nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, errors.Annotate(err, "listing scale sets")
			}
			sets = append(sets, page.Value...)
		}
	}

	var instances []cloudinstance.Instance
	for _, vmss := range sets {
		if vmss.Name == nil || vmss.ID == nil {
			continue
		}
		rg := resourceGroupFromID(*vmss.ID)

		vmssInstances, err := c.discoverVMSSInstances(ctx, rg, *vmss.Name, vmss)
		if err != nil {
			return nil, errors.Annotatef(err, "discovering instances in scale set %s", *vmss.Name)
		}
		instances = append(instances, vmssInstances...)
	}
	logger.Infof("vmss discovery found %d running instances", len(instances))
	return instances, nil
}

// discoverVMSSInstances resolves every running instance's IP concurrently
// (bounded by maxConcurrentIPLookups) via an errgroup, then rejoins before
// returning — the pipeline downstream of DiscoverAll never sees partially
// resolved instances or goroutine leakage.
func (c *Client) discoverVMSSInstances(ctx context.Context, resourceGroup, vmssName string, vmss *armcompute.VirtualMachineScaleSet) ([]cloudinstance.Instance, error) {
	var raw []*armcompute.VirtualMachineScaleSetVM
	pager := c.vmssVMs.NewListPager(resourceGroup, vmssName, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		raw = append(raw, page.Value...)
	}

	results := make([]cloudinstance.Instance, len(raw))
	ok := make([]bool, len(raw))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentIPLookups)

	for i, vm := range raw {
		i, vm := i, vm
		group.Go(func() error {
			inst, found, err := c.resolveVMSSInstance(groupCtx, resourceGroup, vmssName, vmss, vm)
			if err != nil {
				return errors.Trace(err)
			}
			if found {
				results[i] = inst
				ok[i] = true
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, errors.Trace(err)
	}

	out := make([]cloudinstance.Instance, 0, len(results))
	for i, found := range ok {
		if found {
			out = append(out, results[i])
		}
	}
	return out, nil
}

func (c *Client) resolveVMSSInstance(ctx context.Context, resourceGroup, vmssName string, vmss *armcompute.VirtualMachineScaleSet, vm *armcompute.VirtualMachineScaleSetVM) (cloudinstance.Instance, bool, error) {
	if vm.InstanceID == nil {
		return cloudinstance.Instance{}, false, nil
	}
	instanceID := *vm.InstanceID

	running, err := c.isRunningVMSSInstance(ctx, resourceGroup, vmssName, instanceID)
	if err != nil {
		logger.Debugf("could not get instance view for %s/%s/%s: %v", resourceGroup, vmssName, instanceID, err)
		return cloudinstance.Instance{}, false, nil
	}
	if !running {
		logger.Debugf("skipping vmss instance %s/%s: not running", vmssName, instanceID)
		return cloudinstance.Instance{}, false, nil
	}

	ip := c.resolveVMSSInstanceIP(ctx, resourceGroup, vmssName, instanceID, vm)
	if ip == "" {
		logger.Warningf("vmss instance %s/%s has no resolvable private ip, skipping", vmssName, instanceID)
		return cloudinstance.Instance{}, false, nil
	}

	tags := stringMap(vmss.Tags)
	for k, v := range stringMap(vm.Tags) {
		tags[k] = v
	}

	name := nameOrDefault(vm.Name, fmt.Sprintf("%s_%s", vmssName, instanceID))
	id := fmt.Sprintf("%s/virtualMachines/%s", stringOrEmpty(vmss.ID), instanceID)

	return cloudinstance.Instance{
		ID:        id,
		Name:      name,
		IP:        ip,
		Region:    stringOrEmpty(vmss.Location),
		Zone:      firstZone(vmss.Zones),
		Tags:      tags,
		Namespace: resourceGroup,
		Source:    "vmss",
	}, true, nil
}

func (c *Client) isRunningVMSSInstance(ctx context.Context, resourceGroup, vmssName, instanceID string) (bool, error) {
	view, err := c.vmssVMs.GetInstanceView(ctx, resourceGroup, vmssName, instanceID, nil)
	if err != nil {
		return false, errors.Trace(err)
	}
	for _, status := range view.Statuses {
		if status.Code != nil && strings.EqualFold(*status.Code, runningPowerState) {
			return true, nil
		}
	}
	return false, nil
}

// resolveVMSSInstanceIP prefers the targeted per-NIC GET (reliably returns
// the private IP for scale set VMs, unlike the generic NIC list/get used
// for standalone VMs) and falls back to listing every NIC on the instance.
func (c *Client) resolveVMSSInstanceIP(ctx context.Context, resourceGroup, vmssName, instanceID string, vm *armcompute.VirtualMachineScaleSetVM) string {
	if vm.Properties != nil && vm.Properties.NetworkProfile != nil {
		for _, ref := range vm.Properties.NetworkProfile.NetworkInterfaces {
			if ref.ID == nil {
				continue
			}
			nicName := nameFromID(*ref.ID)
			nic, err := c.interfaces.GetVirtualMachineScaleSetNetworkInterface(ctx, resourceGroup, vmssName, instanceID, nicName, nil)
			if err != nil {
				logger.Debugf("could not fetch vmss nic %s: %v", nicName, err)
				continue
			}
			if ip := firstPrivateIP(nic.Properties); ip != "" {
				return ip
			}
		}
	}

	pager := c.interfaces.NewListVirtualMachineScaleSetVMNetworkInterfacesPager(resourceGroup, vmssName, instanceID, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			logger.Debugf("could not list vmss nics for %s/%s: %v", vmssName, instanceID, err)
			break
		}
		for _, nic := range page.Value {
			if ip := firstPrivateIP(nic.Properties); ip != "" {
				return ip
			}
		}
	}
	return ""
}

func firstPrivateIP(props *armnetwork.InterfacePropertiesFormat) string {
	if props == nil {
		return ""
	}
	for _, cfg := range props.IPConfigurations {
		if cfg.Properties != nil && cfg.Properties.PrivateIPAddress != nil {
			return *cfg.Properties.PrivateIPAddress
		}
	}
	return ""
}

func resourceGroupFromID(id string) string {
	parts := strings.Split(id, "/")
	for i, part := range parts {
		if strings.EqualFold(part, "resourceGroups") && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func nameFromID(id string) string {
	parts := strings.Split(id, "/")
	return parts[len(parts)-1]
}

func stringMap(tags map[string]*string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nameOrDefault(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

func firstZone(zones []*string) string {
	if len(zones) == 0 || zones[0] == nil {
		return ""
	}
	return *zones[0]
}

func vmCreatedAt(vm *armcompute.VirtualMachine) time.Time {
	if vm.Properties == nil || vm.Properties.TimeCreated == nil {
		return time.Time{}
	}
	return *vm.Properties.TimeCreated
}
