// Command gflake generates, decodes and serves snowflake IDs.
package main

import "github.com/Lzww0608/gflake/internal/cmd"

func main() {
	cmd.Execute()
}
