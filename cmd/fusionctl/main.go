package main

import (
	"fmt"
	"os"

	"github.com/fusionbridge/fusiond/fusionctl"
)

var BinaryVersion = "undefined"

func main() {
	if err := fusionctl.Run(BinaryVersion); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
