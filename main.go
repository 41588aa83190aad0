// Command crawlengine runs crawls from the command line.
package main

import "github.com/JakeFAU/crawlengine/cmd"

func main() {
	cmd.Execute()
}
