// Command rexml serves Atom feeds of subreddit posts that cross an upvote threshold.
package main

import "github.com/mattyhall/rexml/cmd"

func main() {
	cmd.Execute()
}
