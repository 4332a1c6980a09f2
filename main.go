package main

import "github.com/birchdb/birch/cmd/birch"

func main() {
	birch.Execute()
}
