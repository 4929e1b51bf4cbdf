// Command lazyarray inspects zarr datasets and demonstrates chunk-parallel
// evaluation of labeled arrays
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
