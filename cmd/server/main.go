// Package main is the entry point for the raster tile server.
package main

func main() {
	Execute()
}
