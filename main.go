package main

import "github.com/andresmejia3/facetag/cmd"

func main() {
	cmd.Execute()
}
