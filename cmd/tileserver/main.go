// Command tileserver is the process entrypoint: it hands off immediately to
// the cobra command tree in internal/cmd.
package main

import "github.com/MeKo-Tech/tileserver/internal/cmd"

func main() {
	cmd.Execute()
}
