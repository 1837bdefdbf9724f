// Package harness runs multi-node publish scenarios described in YAML.
//
// A scenario declares named nodes, named articles and an ordered list of
// steps. Each node is an independent store handle on one shared database,
// so steps on different nodes contend exactly as separate servers would.
//
//	name: parallel_publish_in_progress
//	nodes: [db1, db2]
//	articles: [first]
//	steps:
//	  - {node: db1, publish: first, hold: true}
//	  - {node: db2, publish: first, expect: publishing_in_progress}
//	  - {node: db1, release: first, expect: published}
//	  - {node: db2, publish: first, expect: already_published}
//	expect_hooks: {first: 1}
//	expect_published: {first: true}
//
// A step with hold: true pauses inside its side effect, with the row lock
// held and the transaction open, until a later release step on the same
// node and article. fail_hook: true makes the side effect return an error.
// stale: true publishes from the copy read when the article was created
// instead of re-reading it, which exercises the authoritative re-check.
//
// Every step appends one line to the trace, numbered by a deterministic
// sequence. RunWithGolden compares the rendered trace with
// testdata/golden/<name>.golden; regenerate with
//
//	go test ./internal/harness -update
package harness
