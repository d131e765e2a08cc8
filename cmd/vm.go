package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailtool/config"
	"github.com/dhcgn/mailtool/vsphere"
)

func newVMCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage vSphere virtual machines",
	}
	config.RegisterVCenterFlags(cmd)
	cmd.AddCommand(newVMProvisionCommand(a))
	return cmd
}

func newVMProvisionCommand(a *app) *cobra.Command {
	var specsPath string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the VMs described in a YAML spec file",
		Long: `Create every VM listed in the spec file, one after another. Each entry has
name, cpuCount, memoryGB, diskGB and an optional networkName. All entries are
validated before anything is created; creation stops at the first failure and
the VMs created so far are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if specsPath == "" {
				return errors.New("--specs is required")
			}
			specs, err := vsphere.LoadSpecsFile(specsPath)
			if err != nil {
				return err
			}
			vc, err := config.LoadVCenter(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			client, err := vsphere.Connect(ctx, vsphere.Credentials{
				Host:     vc.Host,
				Username: vc.User,
				Password: vc.Pass,
				Insecure: vc.Insecure,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := client.Logout(context.WithoutCancel(ctx)); err != nil {
					a.logger.Warn("vcenter logout failed", "err", err)
				}
			}()

			placement := vsphere.Placement{
				Datacenter: vc.Datacenter,
				Cluster:    vc.Cluster,
				Datastore:  vc.Datastore,
			}
			vms, err := vsphere.NewProvisioner(client.Client, placement, a.logger).Provision(ctx, specs)
			for _, vm := range vms {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", vm.Name, vm.Ref.Value)
			}
			var perr *vsphere.ProvisionError
			if errors.As(err, &perr) && len(vms) > 0 {
				return fmt.Errorf("%d of %d VMs created before failure: %w", len(vms), len(specs), err)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&specsPath, "specs", "f", "", "YAML file with the list of VM specs")
	return cmd
}
