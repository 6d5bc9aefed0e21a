// The main package for the crawl-broker executable.
package main

import (
	"github.com/JakeFAU/crawl-broker/cmd"
)

func main() {
	cmd.Execute()
}
