// Command paymentd runs the payment API, the settlement worker and schema
// migrations.
package main

import "os"

var version = "dev"

func main() {
	if err := Execute(version); err != nil {
		os.Exit(1)
	}
}
