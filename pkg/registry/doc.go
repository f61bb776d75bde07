// Package registry holds resource group definitions and their runtime
// state. CompareAndSetState is the only way to change a group's state.
package registry
