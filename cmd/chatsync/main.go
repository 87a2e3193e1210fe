// Command chatsync follows team chat channels in the terminal, keeping a
// live merged view of each channel and its unread count.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
