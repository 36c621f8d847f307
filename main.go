package main

import "devopschat/cmd"

func main() {
	cmd.Execute()
}
