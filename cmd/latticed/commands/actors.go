package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/roasbeef/lattice/internal/build"
	"github.com/roasbeef/lattice/internal/node"
	"github.com/roasbeef/lattice/internal/registry"
	"github.com/roasbeef/lattice/internal/state"
	"github.com/roasbeef/lattice/internal/stream"
)

// kvStateType is the snapshot type name of key-value entries.
const kvStateType = "kv"

// kvKey namespaces store identifiers so the kv actor cannot collide with
// other actors' persisted state.
func kvKey(args [][]byte) (string, error) {
	if len(args) < 1 || len(args[0]) == 0 {
		return "", fmt.Errorf("missing key argument")
	}

	return "kv/" + string(args[0]), nil
}

type kvEntry struct {
	Found   bool   `json:"found"`
	Data    []byte `json:"data,omitempty"`
	Version uint64 `json:"version,omitempty"`
}

// newKVActor builds the daemon's built-in persistent key-value actor. Every
// operation round-trips through the versioned state store, so "cas" inherits
// its optimistic concurrency semantics.
func newKVActor(sys *node.System, store state.Store) *node.LocalActor {
	a := node.NewLocalActor(sys.AssignID("kv").ID)

	a.Handle("get", func(ctx context.Context,
		args [][]byte) ([]byte, error) {

		key, err := kvKey(args)
		if err != nil {
			return nil, err
		}

		got, err := store.Load(ctx, key, kvStateType)
		if err != nil {
			return nil, err
		}

		entry := kvEntry{}
		got.WhenSome(func(st state.State) {
			entry = kvEntry{
				Found:   true,
				Data:    st.Data,
				Version: st.Version,
			}
		})

		return json.Marshal(entry)
	})

	a.Handle("put", func(ctx context.Context,
		args [][]byte) ([]byte, error) {

		key, err := kvKey(args)
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("missing value argument")
		}

		version, err := store.Save(ctx, key, kvStateType, args[1])
		if err != nil {
			return nil, err
		}

		return json.Marshal(map[string]uint64{"version": version})
	})

	a.Handle("cas", func(ctx context.Context,
		args [][]byte) ([]byte, error) {

		key, err := kvKey(args)
		if err != nil {
			return nil, err
		}
		if len(args) < 3 {
			return nil, fmt.Errorf("cas needs key, value and " +
				"expected version")
		}

		expected, err := strconv.ParseUint(string(args[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid expected version: %w",
				err)
		}

		version, err := store.SaveIfVersion(
			ctx, key, kvStateType, args[1], expected,
		)
		if err != nil {
			return nil, err
		}

		return json.Marshal(map[string]uint64{"version": version})
	})

	a.Handle("delete", func(ctx context.Context,
		args [][]byte) ([]byte, error) {

		key, err := kvKey(args)
		if err != nil {
			return nil, err
		}
		if err := store.Delete(ctx, key); err != nil {
			return nil, err
		}

		return json.Marshal(map[string]bool{"deleted": true})
	})

	a.Handle("exists", func(ctx context.Context,
		args [][]byte) ([]byte, error) {

		key, err := kvKey(args)
		if err != nil {
			return nil, err
		}

		exists, err := store.Exists(ctx, key)
		if err != nil {
			return nil, err
		}

		return json.Marshal(map[string]bool{"exists": exists})
	})

	return a
}

// registrationView is the wire shape of one registry entry on the status
// stream.
type registrationView struct {
	ActorID  string            `json:"actorId"`
	Endpoint string            `json:"endpoint"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// newStatusActor builds the daemon's introspection actor: a unary "info"
// target plus a stream that periodically publishes the live service registry
// contents.
func newStatusActor(sys *node.System, serviceReg registry.ServiceRegistry,
	streams *stream.ServerRegistry) *node.LocalActor {

	a := node.NewLocalActor(sys.AssignID("status").ID)

	a.Handle("info", func(context.Context, [][]byte) ([]byte, error) {
		return json.Marshal(map[string]any{
			"version":       build.Version(),
			"activeStreams": streams.ActiveStreams(),
		})
	})

	a.HandleStream(streamPrefix+"Registrations", func(ctx context.Context,
		_ [][]byte) (iter.Seq2[[]byte, error], error) {

		return func(yield func([]byte, error) bool) {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()

			for {
				regs, err := serviceReg.List(ctx, "")
				if err != nil {
					yield(nil, err)
					return
				}

				views := make([]registrationView, len(regs))
				for i, reg := range regs {
					views[i] = registrationView{
						ActorID:  reg.ActorID,
						Endpoint: reg.Endpoint.Addr(),
						Metadata: reg.Metadata,
					}
				}

				payload, err := json.Marshal(views)
				if !yield(payload, err) {
					return
				}
				if err != nil {
					return
				}

				select {
				case <-ticker.C:
				case <-ctx.Done():
					return
				}
			}
		}, nil
	})

	return a
}
