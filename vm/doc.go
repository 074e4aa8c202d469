// Package vm implements the procvm execution substrate.
//
// This package contains:
//   - Tagged integer/float values and decoded commands with a per-instance
//     dispatch cache
//   - The memory management unit: context buffers, sections, stacks,
//     registers and the context stack
//   - The linker: streaming and merge symbol resolution with alias-cycle
//     detection and bounds validation
//   - The interpreter (Logic) and its integer, float and service executors
//   - A native x86-64 backend with a callout gate back into the interpreter
//   - The Engine that drives load, link, compile, execute and merge
package vm
