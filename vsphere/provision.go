package vsphere

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

var (
	ErrAuthentication  = errors.New("vcenter authentication failed")
	ErrConnection      = errors.New("vcenter connection failed")
	ErrInvalidSpec     = errors.New("invalid VM spec")
	ErrNetworkNotFound = errors.New("network not found")
	ErrPlacement       = errors.New("cannot resolve VM placement")
	ErrCreate          = errors.New("VM creation failed")
)

// ProvisionError reports which spec of a batch failed. Specs before Index
// were created and are left in place.
type ProvisionError struct {
	Index int
	Name  string
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %q (spec %d): %v", e.Name, e.Index, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

type Credentials struct {
	Host     string
	Username string
	Password string
	Insecure bool
}

// Connect logs in to the vCenter SDK endpoint. Host may be a bare hostname
// or a full URL.
func Connect(ctx context.Context, creds Credentials) (*govmomi.Client, error) {
	if strings.TrimSpace(creds.Host) == "" {
		return nil, fmt.Errorf("%w: host is empty", ErrConnection)
	}
	u, err := soap.ParseURL(creds.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %w", ErrConnection, creds.Host, err)
	}
	if creds.Username != "" {
		u.User = url.UserPassword(creds.Username, creds.Password)
	}

	client, err := govmomi.NewClient(ctx, u, creds.Insecure)
	if err != nil {
		if isInvalidLogin(err) {
			return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return client, nil
}

func isInvalidLogin(err error) bool {
	if !soap.IsSoapFault(err) {
		return false
	}
	switch soap.ToSoapFault(err).VimFault().(type) {
	case types.InvalidLogin, *types.InvalidLogin:
		return true
	}
	return false
}

// Placement selects where new VMs go. Empty fields pick the inventory
// default, which requires exactly one candidate.
type Placement struct {
	Datacenter string
	Cluster    string
	Datastore  string
}

// VM is a handle to a created virtual machine.
type VM struct {
	Name string
	Ref  types.ManagedObjectReference
	obj  *object.VirtualMachine
}

func (v VM) Object() *object.VirtualMachine {
	return v.obj
}

type Provisioner struct {
	client    *vim25.Client
	placement Placement
	logger    *slog.Logger
}

func NewProvisioner(client *vim25.Client, placement Placement, logger *slog.Logger) *Provisioner {
	return &Provisioner{client: client, placement: placement, logger: logger}
}

type target struct {
	folder    *object.Folder
	pool      *object.ResourcePool
	datastore *object.Datastore
	finder    *find.Finder
}

// Provision creates each spec in order, waiting for every task to finish
// before starting the next. On failure it returns the VMs created so far
// together with a *ProvisionError naming the failing spec.
func (p *Provisioner) Provision(ctx context.Context, specs []VMSpec) ([]VM, error) {
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, &ProvisionError{Index: i, Name: spec.Name, Err: err}
		}
	}

	t, err := p.resolve(ctx)
	if err != nil {
		return nil, err
	}

	created := make([]VM, 0, len(specs))
	for i, spec := range specs {
		vm, err := p.create(ctx, t, spec)
		if err != nil {
			if p.logger != nil {
				p.logger.Error("vm provisioning failed", "vm", spec.Name, "created", len(created), "err", err)
			}
			return created, &ProvisionError{Index: i, Name: spec.Name, Err: err}
		}
		created = append(created, vm)
		if p.logger != nil {
			p.logger.Info("vm created", "vm", vm.Name, "ref", vm.Ref.Value)
		}
	}
	return created, nil
}

func (p *Provisioner) resolve(ctx context.Context) (*target, error) {
	finder := find.NewFinder(p.client, true)

	dc, err := finder.DatacenterOrDefault(ctx, p.placement.Datacenter)
	if err != nil {
		return nil, fmt.Errorf("%w: datacenter: %w", ErrPlacement, err)
	}
	finder.SetDatacenter(dc)

	folders, err := dc.Folders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: datacenter folders: %w", ErrPlacement, err)
	}

	cluster, err := finder.ClusterComputeResourceOrDefault(ctx, p.placement.Cluster)
	if err != nil {
		return nil, fmt.Errorf("%w: cluster: %w", ErrPlacement, err)
	}
	pool, err := cluster.ResourcePool(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: resource pool: %w", ErrPlacement, err)
	}

	ds, err := finder.DatastoreOrDefault(ctx, p.placement.Datastore)
	if err != nil {
		return nil, fmt.Errorf("%w: datastore: %w", ErrPlacement, err)
	}

	if p.logger != nil {
		p.logger.Debug("vm placement resolved", "datacenter", dc.Name(), "cluster", cluster.Name(), "datastore", ds.Name())
	}
	return &target{folder: folders.VmFolder, pool: pool, datastore: ds, finder: finder}, nil
}

func (p *Provisioner) create(ctx context.Context, t *target, spec VMSpec) (VM, error) {
	devices, err := p.devices(ctx, t, spec)
	if err != nil {
		return VM{}, err
	}
	deviceChange, err := devices.ConfigSpec(types.VirtualDeviceConfigSpecOperationAdd)
	if err != nil {
		return VM{}, fmt.Errorf("%w: device spec: %w", ErrCreate, err)
	}

	config := types.VirtualMachineConfigSpec{
		Name:     spec.Name,
		NumCPUs:  spec.CPUCount,
		MemoryMB: spec.MemoryGB * 1024,
		GuestId:  string(types.VirtualMachineGuestOsIdentifierOtherGuest64),
		Files: &types.VirtualMachineFileInfo{
			VmPathName: fmt.Sprintf("[%s]", t.datastore.Name()),
		},
		DeviceChange: deviceChange,
	}

	task, err := t.folder.CreateVM(ctx, config, t.pool, nil)
	if err != nil {
		return VM{}, fmt.Errorf("%w: %w", ErrCreate, err)
	}
	info, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return VM{}, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	ref, ok := info.Result.(types.ManagedObjectReference)
	if !ok {
		return VM{}, fmt.Errorf("%w: unexpected task result %T", ErrCreate, info.Result)
	}
	return VM{Name: spec.Name, Ref: ref, obj: object.NewVirtualMachine(p.client, ref)}, nil
}

// devices builds a paravirtual SCSI controller with one thin disk and, when
// a network is named, a vmxnet3 NIC attached to it.
func (p *Provisioner) devices(ctx context.Context, t *target, spec VMSpec) (object.VirtualDeviceList, error) {
	var devices object.VirtualDeviceList

	scsi, err := devices.CreateSCSIController("pvscsi")
	if err != nil {
		return nil, fmt.Errorf("%w: scsi controller: %w", ErrCreate, err)
	}
	devices = append(devices, scsi)

	controller, err := devices.FindDiskController("scsi")
	if err != nil {
		return nil, fmt.Errorf("%w: disk controller: %w", ErrCreate, err)
	}
	disk := devices.CreateDisk(controller, t.datastore.Reference(), "")
	disk.CapacityInKB = spec.DiskGB * 1024 * 1024
	devices = append(devices, disk)

	if spec.NetworkName == "" {
		return devices, nil
	}

	network, err := t.finder.Network(ctx, spec.NetworkName)
	if err != nil {
		var notFound *find.NotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %q", ErrNetworkNotFound, spec.NetworkName)
		}
		return nil, fmt.Errorf("lookup network %q: %w", spec.NetworkName, err)
	}
	backing, err := network.EthernetCardBackingInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: network backing: %w", ErrCreate, err)
	}
	nic, err := object.EthernetCardTypes().CreateEthernetCard("vmxnet3", backing)
	if err != nil {
		return nil, fmt.Errorf("%w: nic: %w", ErrCreate, err)
	}
	devices = append(devices, nic)

	return devices, nil
}
