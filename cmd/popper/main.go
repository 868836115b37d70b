package main

import "github.com/dangazineu/popper/cmd/popper/internal"

func main() {
	internal.Execute()
}
