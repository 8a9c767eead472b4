// chanisolator — HTLC allow-list enforcement for LND channels.
// `chanisolator run` hosts the interceptor service; the remaining commands
// manage and report on the shared isolation database.
package main

import "github.com/ppiankov/chanisolator/internal/cli"

func main() {
	cli.Execute()
}
