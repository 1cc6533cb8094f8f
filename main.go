package main

import "github.com/andresmejia3/facequeue/cmd"

func main() {
	cmd.Execute()
}
