// Package plugin implements the calculator plugin manager: the lifecycle
// state machine, extension point wiring, dependency ordering and the
// execution context handed to each plugin.
//
// A plugin is any value implementing Plugin. Every lifecycle hook is
// optional and detected with a type assertion:
//
//	type Plugin interface{ Metadata() Metadata }
//	type Loadable interface{ Load(ctx context.Context, pctx *Context) error }
//	type Startable interface{ Start(ctx context.Context, pctx *Context) error }
//	...
//
// # Lifecycle
//
//	Unloaded -> Loaded -> Started <-> Stopped -> Unloaded
//	          (any failed transition)  -> Error
//
// The Manager serializes transitions per plugin with a record-level lock;
// operations on different plugins proceed concurrently. Hooks run under the
// configured hook timeout with panic recovery and never while the
// manager-wide lock is held.
//
// # Loading
//
//	mgr := plugin.NewManager(plugin.DefaultManagerConfig(),
//	    plugin.WithResolver(chain),
//	    plugin.WithGate(gate),
//	)
//	rec, err := mgr.LoadPlugin(ctx, "cardiology.cha2ds2-vasc", nil)
//	if err != nil {
//	    return err
//	}
//	err = mgr.StartPlugin(ctx, rec.ID())
//
// LoadPlugin is all-or-nothing: when any step fails the plugin leaves no
// record, grant or extension behind.
package plugin
