// Package dsg holds the layered scene-graph model shared by the frontend and
// the backend: node ids, layers with sibling edges, parent-child edges
// between layers, the dense mesh, and the Merger that folds frontend
// snapshots into the backend graph.
//
// A Graph is not safe for concurrent use. Cross-goroutine access goes
// through SharedGraph, which callers lock for the whole of a critical
// section; lock order is backend before frontend.
package dsg
