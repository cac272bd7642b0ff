package main

import "github.com/kebairia/drbackup/cmd"

func main() {
	cmd.Execute()
}
