package main

import "github.com/actorkit/kjournal/cmd/kjournal"

func main() {
	kjournal.Main()
}
