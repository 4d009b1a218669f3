package main

import "github.com/ValentinKolb/dDir/cmd"

func main() {
	cmd.Execute()
}
