package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowjay/snapshot-bridge/internal/config"
	"github.com/rowjay/snapshot-bridge/internal/lifecycle"
	"github.com/rowjay/snapshot-bridge/internal/metrics"
	"github.com/rowjay/snapshot-bridge/internal/snapshot"
	"github.com/rowjay/snapshot-bridge/internal/version"
)

func endpointFlags(cmd *cobra.Command, ep *snapshot.EndPoint, prefix string) {
	cmd.Flags().StringVar(&ep.Host, prefix+"host", "", "Host of the store")
	cmd.Flags().IntVar(&ep.Port, prefix+"port", 443, "Port of the store")
	cmd.Flags().StringVar(&ep.StoreID, prefix+"store-id", "0", "Store id")
	cmd.Flags().StringVar(&ep.SpaceID, prefix+"space", "", "Space id")
}

func requireEndpoint(ep snapshot.EndPoint) error {
	if ep.Host == "" || ep.SpaceID == "" {
		return fmt.Errorf("host and space are required")
	}
	return nil
}

func newCreateCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var req lifecycle.CreateRequest

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEndpoint(req.Source); err != nil {
				return err
			}
			req.Name = args[0]
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				snap, err := b.engine.CreateSnapshot(ctx, req)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", snap.Name, snap.Status)
				return nil
			})
		},
	}
	endpointFlags(cmd, &req.Source, "")
	cmd.Flags().StringVar(&req.Description, "description", "", "Snapshot description")
	cmd.Flags().StringVar(&req.UserEmail, "user-email", "", "Email of the requesting user")
	cmd.Flags().StringSliceVar(&req.AlternateIDs, "alternate-id", nil, "Alternate ids of the snapshot")
	return cmd
}

func newImportCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <name>",
		Short: "Import the content-properties inventory of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				added, err := b.engine.ImportContentProperties(ctx, args[0])
				if err != nil {
					return err
				}
				b.log.Info().Str("snapshot", args[0]).Int("added", added).Msg("import completed")
				return nil
			})
		},
	}
}

func newTransferCompleteCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer-complete <name>",
		Short: "Report that the archive tier holds the snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				return b.retry(ctx, func() error {
					snap, err := b.engine.TransferToRemoteComplete(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("%s\t%s\n", snap.Name, snap.Status)
					return nil
				})
			})
		},
	}
}

func newFinalizeCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "finalize",
		Short: "Run one finalize sweep over snapshots cleaning up",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				fin := lifecycle.NewFinalizer(b.engine, b.cfg.Finalize.Interval, b.cfg.Finalize.LockFile, b.log)
				res, ran := fin.RunOnce(ctx)
				if !ran {
					fmt.Println("sweep skipped: another sweep holds the lock")
					return nil
				}
				fmt.Printf("examined %d, completed %d, pending %d, failed %d (%s)\n",
					res.Examined, len(res.Completed), len(res.Pending), len(res.Failed), res.Duration.Round(time.Millisecond))
				if len(res.Failed) > 0 {
					return fmt.Errorf("failed to finalize: %s", strings.Join(res.Failed, ", "))
				}
				return nil
			})
		},
	}
}

func newServeCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the finalize sweep periodically and serve metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBridge(root, overrides)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var srv *http.Server
			if b.cfg.Metrics.Listen != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv = &http.Server{Addr: b.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						b.log.Error().Err(err).Msg("metrics server failed")
						stop()
					}
				}()
				b.log.Info().Str("listen", b.cfg.Metrics.Listen).Msg("metrics server started")
			}

			fin := lifecycle.NewFinalizer(b.engine, b.cfg.Finalize.Interval, b.cfg.Finalize.LockFile, b.log)
			fin.Start(ctx)
			<-ctx.Done()
			fin.Stop()

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					b.log.Warn().Err(err).Msg("metrics server shutdown")
				}
			}
			return nil
		},
	}
}

func newVerifyCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <name>",
		Short: "Compare the archived manifest with the source space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				ok, discrepancies, err := b.engine.VerifySnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				for _, d := range discrepancies {
					fmt.Println(d)
				}
				if !ok {
					return fmt.Errorf("%w: %d discrepancies", lifecycle.ErrVerificationFailed, len(discrepancies))
				}
				fmt.Println("manifest verified")
				return nil
			})
		},
	}
}

func newCompleteCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <name>",
		Short: "Mark a snapshot complete without waiting for cleanup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				snap, err := b.engine.MarkComplete(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\t%s\n", snap.Name, snap.Status, snap.EndDate.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newGetCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				snap, err := b.engine.GetSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("name:        %s\n", snap.Name)
				fmt.Printf("status:      %s\n", snap.Status)
				if snap.StatusText != "" {
					fmt.Printf("status text: %s\n", snap.StatusText)
				}
				fmt.Printf("source:      %s:%d store %s space %s\n", snap.Source.Host, snap.Source.Port, snap.Source.StoreID, snap.Source.SpaceID)
				fmt.Printf("created:     %s\n", snap.Created.Format(time.RFC3339))
				if !snap.EndDate.IsZero() {
					fmt.Printf("completed:   %s\n", snap.EndDate.Format(time.RFC3339))
				}
				if len(snap.AlternateIDs) > 0 {
					fmt.Printf("alternates:  %s\n", strings.Join(snap.AlternateIDs, ", "))
				}
				items, err := b.engine.ContentItemCount(ctx, snap.Name)
				if err != nil {
					return err
				}
				fmt.Printf("items:       %d\n", items)
				return nil
			})
		},
	}
}

func newItemCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "item <name> <content-id>",
		Short: "Show the captured properties of a content item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				props, err := b.engine.ContentItemProperties(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(props))
				for k := range props {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("%s=%s\n", k, props[k])
				}
				return nil
			})
		},
	}
}

func newHistoryCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <name>",
		Short: "Show the history of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				history, err := b.engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				for _, h := range history {
					fmt.Printf("%s\t%s\n", h.CreatedAt.Format(time.RFC3339), h.Text)
				}
				return nil
			})
		},
	}
}

func newAlternateIDsCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alternate-ids",
		Short: "Manage alternate snapshot ids",
	}
	add := &cobra.Command{
		Use:   "add <name> <id>...",
		Short: "Register alternate ids for a snapshot",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				snap, err := b.engine.GetSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				if err := b.engine.AddAlternateIDs(ctx, snap, args[1:]); err != nil {
					return err
				}
				fmt.Println(strings.Join(snap.AlternateIDs, "\n"))
				return nil
			})
		},
	}
	cmd.AddCommand(add)
	return cmd
}

func newListCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots taken from a host",
		RunE: func(cmd *cobra.Command, args []string) error {
			if host == "" {
				return fmt.Errorf("--host is required")
			}
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				items, err := b.engine.ListSnapshots(ctx, host)
				if err != nil {
					return err
				}
				for _, item := range items {
					fmt.Printf("%s\t%s\t%s\n", item.Name, item.Status, item.Description)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Source host")
	return cmd
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Manage restorations",
	}

	var dest snapshot.EndPoint
	var email string
	request := &cobra.Command{
		Use:   "request <snapshot>",
		Short: "Request the restoration of a completed snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireEndpoint(dest); err != nil {
				return err
			}
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				r, err := b.engine.RequestRestoration(ctx, args[0], dest, email)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", r.Key(), r.Status)
				return nil
			})
		},
	}
	endpointFlags(request, &dest, "dest-")
	request.Flags().StringVar(&email, "user-email", "", "Email of the requesting user")

	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a restoration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := snapshot.ParseRestorationID(args[0])
			if err != nil {
				return err
			}
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				r, err := b.engine.GetRestoration(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", r.Key(), r.SnapshotName, r.Status, r.StatusText)
				for _, h := range r.History {
					fmt.Printf("  %s\t%s\n", h.CreatedAt.Format(time.RFC3339), h.Text)
				}
				return nil
			})
		},
	}

	complete := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark a restoration complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := snapshot.ParseRestorationID(args[0])
			if err != nil {
				return err
			}
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				r, err := b.engine.RestorationComplete(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", r.Key(), r.Status)
				return nil
			})
		},
	}

	var reason string
	fail := &cobra.Command{
		Use:   "fail <id>",
		Short: "Mark a restoration failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := snapshot.ParseRestorationID(args[0])
			if err != nil {
				return err
			}
			return run(root, overrides, func(ctx context.Context, b *bridge) error {
				r, err := b.engine.RestorationFailed(ctx, id, reason)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\n", r.Key(), r.Status)
				return nil
			})
		},
	}
	fail.Flags().StringVar(&reason, "reason", "", "Failure reason")

	cmd.AddCommand(request, status, complete, fail)
	return cmd
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("snapbridge %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
