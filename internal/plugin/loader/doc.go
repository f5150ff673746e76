// Package loader resolves plugin source strings into plugin objects.
//
// A Chain holds strategies in registration order and hands each source to
// the first one that accepts it:
//
//   - Local serves in-process factories by id and Go shared objects (.so).
//   - Declarative builds a ScriptPlugin from a YAML or JSON document whose
//     hooks run in a sandboxed Lua or JavaScript interpreter.
//   - Remote fetches a declarative document over http(s) from allow-listed
//     hosts.
//
// A Discoverer scans plugin directories for sources and watches them.
package loader
