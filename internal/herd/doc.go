// Package herd implements the worker lifecycle commands: spawn, send, read,
// exec, split, kill and list. Every command that touches a pane resolves its
// target through the resolver first, so a command lands on the intended
// live pane or fails with a typed error.
package herd
