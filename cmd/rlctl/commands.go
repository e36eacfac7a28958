package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mitchelldurbincs/ActorLearnerRL/internal/grpc/coordserver"
	"github.com/mitchelldurbincs/ActorLearnerRL/internal/status"
)

var (
	getInfoCmd = &cobra.Command{
		Use:   "get-info [key...]",
		Short: "Read shared status keys (all keys when none are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLearner(cmd, func(ctx context.Context, conn grpc.ClientConnInterface) error {
				values, err := coordserver.NewStatusClient(conn).GetInfo(ctx, args...)
				if err != nil {
					return err
				}
				return printValues(cmd.OutOrStdout(), values)
			})
		},
	}
	setInfoCmd = &cobra.Command{
		Use:   "set-info key=value [key=value...]",
		Short: "Merge values into the shared status; values are parsed as JSON, falling back to strings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(args)
			if err != nil {
				return err
			}
			return withLearner(cmd, func(ctx context.Context, conn grpc.ClientConnInterface) error {
				if err := coordserver.NewStatusClient(conn).SetInfo(ctx, values); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated %d key(s)\n", len(values))
				return nil
			})
		},
	}
	terminateCmd = &cobra.Command{
		Use:   "terminate",
		Short: "Set the terminate flag so every actor stops after its current episode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLearner(cmd, func(ctx context.Context, conn grpc.ClientConnInterface) error {
				if err := status.Terminate(ctx, coordserver.NewStatusClient(conn)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "terminate=true")
				return nil
			})
		},
	}
	learnerInfoCmd = &cobra.Command{
		Use:   "learner-info",
		Short: "Show learner progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLearner(cmd, func(ctx context.Context, conn grpc.ClientConnInterface) error {
				info, err := coordserver.NewLearnerClient(conn).Info(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if outputJSON {
					return json.NewEncoder(out).Encode(info)
				}
				fmt.Fprintf(out, "id:                  %s\n", info.ID)
				fmt.Fprintf(out, "steps completed:     %d\n", info.StepsCompleted)
				fmt.Fprintf(out, "parameter version:   %d\n", info.ParamVersion)
				fmt.Fprintf(out, "running:             %t\n", info.Running)
				fmt.Fprintf(out, "warmed up:           %t\n", info.WarmedUp)
				fmt.Fprintf(out, "terminated:          %t\n", info.Terminated)
				fmt.Fprintf(out, "last loss:           %g\n", info.LastLoss)
				fmt.Fprintf(out, "last checkpoint:     %s\n", info.LastCheckpoint)
				fmt.Fprintf(out, "checkpoint failures: %d\n", info.CheckpointFailures)
				return nil
			})
		},
	}
	saveCheckpointCmd = &cobra.Command{
		Use:   "save-checkpoint [name]",
		Short: "Save learner state; without a name the checkpoint is named after the current step",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return withLearner(cmd, func(ctx context.Context, conn grpc.ClientConnInterface) error {
				saved, err := coordserver.NewLearnerClient(conn).SaveCheckpoint(ctx, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", saved)
				return nil
			})
		},
	}
	loadCheckpointCmd = &cobra.Command{
		Use:   "load-checkpoint name",
		Short: "Restore learner state; only allowed before training starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLearner(cmd, func(ctx context.Context, conn grpc.ClientConnInterface) error {
				if err := coordserver.NewLearnerClient(conn).LoadCheckpoint(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", args[0])
				return nil
			})
		},
	}
)

// dialLearner is swapped in tests
var dialLearner = func(addr string) (grpc.ClientConnInterface, func() error, error) {
	conn, err := coordserver.Dial(addr)
	if err != nil {
		return nil, nil, err
	}
	return conn, conn.Close, nil
}

func withLearner(cmd *cobra.Command, fn func(ctx context.Context, conn grpc.ClientConnInterface) error) error {
	conn, closeConn, err := dialLearner(learnerAddr)
	if err != nil {
		return err
	}
	defer closeConn()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, conn)
}

// parseAssignments turns key=value pairs into status values. A value that is
// valid JSON keeps its type (true, 3, "x", [1,2]); anything else is a string.
func parseAssignments(args []string) (map[string]*structpb.Value, error) {
	values := make(map[string]*structpb.Value, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		v := &structpb.Value{}
		if err := protojson.Unmarshal([]byte(raw), v); err != nil {
			v = structpb.NewStringValue(raw)
		}
		values[key] = v
	}
	return values, nil
}

func printValues(w io.Writer, values map[string]*structpb.Value) error {
	if outputJSON {
		b, err := protojson.Marshal(&structpb.Struct{Fields: values})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b, err := protojson.Marshal(values[k])
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s=%s\n", k, b)
	}
	return nil
}
