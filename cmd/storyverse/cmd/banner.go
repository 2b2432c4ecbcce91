package cmd

import (
	"fmt"
	"io"
)

const banner = `
  ____  _                                       
 / ___|| |_ ___  _ __ _   ___   _____ _ __ ___  ___ 
 \___ \| __/ _ \| '__| | | \ \ / / _ \ '__/ __|/ _ \
  ___) | || (_) | |  | |_| |\ V /  __/ |  \__ \  __/
 |____/ \__\___/|_|   \__, | \_/ \___|_|  |___/\___|
                      |___/                         
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Illustrated stories from your images - Version %s\x1b[0m\n\n", Version)
}
