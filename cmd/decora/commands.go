package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"decora-wifi/internal/application"
	"decora-wifi/internal/entity"
	"decora-wifi/internal/flow"
)

func credentialFlags(cmd *cobra.Command, creds *flow.Credentials) {
	cmd.Flags().StringVarP(&creds.Username, "username", "u", "", "myLeviton account email")
	cmd.Flags().StringVarP(&creds.Password, "password", "p", "", "myLeviton password (defaults to $DECORA_PASSWORD)")
	cmd.MarkFlagRequired("username")
}

func newSetupCmd(load func() (*app, error)) *cobra.Command {
	var creds flow.Credentials
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Add a myLeviton account as a config entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			return a.runFlow(cmd, flow.SourceUser, creds)
		},
	}
	credentialFlags(cmd, &creds)
	return cmd
}

func newReauthCmd(load func() (*app, error)) *cobra.Command {
	var creds flow.Credentials
	cmd := &cobra.Command{
		Use:   "reauth",
		Short: "Update the password of an existing config entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			return a.runFlow(cmd, flow.SourceReauth, creds)
		},
	}
	credentialFlags(cmd, &creds)
	return cmd
}

// runFlow drives a flow through its single form the way a front end would.
func (a *app) runFlow(cmd *cobra.Command, source flow.Source, creds flow.Credentials) error {
	if creds.Password == "" {
		creds.Password = os.Getenv("DECORA_PASSWORD")
	}

	ctx := cmd.Context()
	form, err := a.flows.Init(ctx, source, nil)
	if err != nil {
		return err
	}

	res, err := a.flows.Configure(ctx, form.FlowID, creds)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch res.Type {
	case flow.ResultCreateEntry:
		fmt.Fprintf(out, "created %q (%s)\n", res.Title, res.EntryID)
		return nil
	case flow.ResultAbort:
		fmt.Fprintf(out, "aborted: %s\n", res.Reason)
		if res.Reason == flow.ReasonReauthSuccessful {
			return nil
		}
		return fmt.Errorf("flow aborted: %s", res.Reason)
	default:
		keys := lo.Keys(res.Errors)
		sort.Strings(keys)
		return fmt.Errorf("flow failed: %s", strings.Join(lo.Map(keys, func(k string, _ int) string {
			return k + "=" + res.Errors[k]
		}), ", "))
	}
}

func newEntriesCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List config entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tUSER ID\tSCAN INTERVAL")
			for _, e := range a.store.Entries() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Title, e.Data.UserID, e.Options.ScanInterval)
			}
			return w.Flush()
		},
	}
}

// withEntities sets up every entry without a host, runs fn and unloads again.
func (a *app) withEntities(ctx context.Context, fn func(*application.Integration) error) error {
	integration := a.newIntegration(application.NoopHost{})
	if err := integration.SetupAll(ctx); err != nil {
		a.logger.Warn("some config entries failed to set up", "error", err)
	}
	defer func() {
		if err := integration.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("unloading entries", "error", err)
		}
	}()
	return fn(integration)
}

func newLightsCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "lights",
		Short: "List lights and fans of every config entry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			return a.withEntities(cmd.Context(), func(i *application.Integration) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tKIND\tSTATE\tLEVEL")
				for _, e := range i.Lights() {
					state, level := describe(e)
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.UniqueID(), e.Name(), e.Kind(), state, level)
				}
				return w.Flush()
			})
		},
	}
}

func describe(e entity.Entity) (string, string) {
	switch v := e.(type) {
	case *entity.Light:
		level := "-"
		if v.SupportedFeatures().Has(entity.FeatureBrightness) {
			level = fmt.Sprintf("%d/255", v.Brightness())
		}
		return lo.Ternary(v.IsOn(), "on", "off"), level
	case *entity.Fan:
		return lo.Ternary(v.IsOn(), "on", "off"), fmt.Sprintf("%d%%", v.Percentage())
	}
	return "", ""
}

func newSwitchCmd(load func() (*app, error), on bool) *cobra.Command {
	var (
		brightness int
		transition float64
	)

	cmd := &cobra.Command{
		Use:   lo.Ternary(on, "on", "off") + " <id or name>",
		Short: lo.Ternary(on, "Turn a light or fan on", "Turn a light or fan off"),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			return a.withEntities(cmd.Context(), func(i *application.Integration) error {
				target, ok := lo.Find(i.Lights(), func(e entity.Entity) bool {
					return e.UniqueID() == args[0] || strings.EqualFold(e.Name(), args[0])
				})
				if !ok {
					return fmt.Errorf("%w: %s", application.ErrUnknownEntity, args[0])
				}

				if !on {
					return i.TurnOff(cmd.Context(), target.UniqueID())
				}

				var opts entity.LightTurnOn
				if cmd.Flags().Changed("brightness") {
					if brightness < 0 || brightness > entity.MaxBrightness {
						return errors.New("brightness must be between 0 and 255")
					}
					opts.Brightness = &brightness
				}
				if cmd.Flags().Changed("transition") {
					opts.Transition = &transition
				}
				return i.TurnOn(cmd.Context(), target.UniqueID(), opts)
			})
		},
	}

	if on {
		cmd.Flags().IntVarP(&brightness, "brightness", "b", entity.MaxBrightness, "brightness 0..255")
		cmd.Flags().Float64VarP(&transition, "transition", "t", 0, "transition in seconds")
	}
	return cmd
}
