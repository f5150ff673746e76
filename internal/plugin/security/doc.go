// Package security implements the permission gate that every plugin passes
// before it is admitted to the runtime.
//
// A plugin declares a PermissionSet in its metadata. At load time
// Gate.CheckPermissions assigns a RiskLevel and decides admission:
//
//   - admin access is never granted (critical)
//   - identifiable patient data is admitted at high risk with a review
//     recommendation
//   - network, filesystem and storage requested together is admitted at
//     medium risk with a narrowing recommendation
//   - anything else is low risk
//
// Policy adds configured blocked capability combinations and a maximum
// admitted risk on top of these rules.
//
// After admission the gate keeps a PermissionChecker per plugin. Runtime
// checks go through Gate.CheckRuntimePermission, which also consults the
// plugin's live lifecycle state: a plugin that is not loaded or started holds
// no permissions.
//
//	gate := security.NewGate(security.DefaultPolicy())
//	decision := gate.CheckPermissions(meta.Permissions)
//	if !decision.Allowed {
//	    return decision.Reason
//	}
//	gate.Grant(id, meta.Permissions)
package security
