// Package api provides the Lua modules exposed to calculator scripts.
//
// Scripts reach runtime services through the "calc" module, which
// aggregates several submodules:
//
//   - calc.util: string, table and numeric helpers
//   - calc.log: structured logging tagged with the plugin id
//   - calc.event: custom events on the runtime bus
//   - calc.storage: the plugin's scoped key/value storage
//
// Each module implements Module and declares the capability it needs.
// Registry.InjectAll consults the plugin's PermissionChecker and skips
// modules the plugin was not granted, so a script without the storage
// permission sees calc.storage as nil:
//
//	local calc = require("calc")
//	if calc.storage then
//	    calc.storage.set("last", result)
//	end
package api
