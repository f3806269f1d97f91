// Command mart is the storefront client.
package main

import "github.com/martlane/storefront/internal/cli"

func main() {
	cli.Execute()
}
