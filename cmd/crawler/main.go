// Package main provides the crawler CLI.
//
// Usage:
//
//	crawler crawl <spider> --type=parser --arg key=value
//	crawler crawl <spider> --type=worker
//	crawler list
package main

func main() {
	Execute()
}
