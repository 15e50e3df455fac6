// Command sdrdiscover browses the local network for IIOD-capable
// transmit hosts advertised over _iio._tcp, the mDNS service the
// radiofrontend package resolves when a sink is configured with
// sdr-uri=auto.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/opendigitalradio/dabmod-core/internal/discovery"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Discovery browse timeout")
	flag.Parse()

	fmt.Println("===============================================================")
	fmt.Println(" IIOD / _iio._tcp Discovery")
	fmt.Println("===============================================================")
	fmt.Printf(" Timeout : %s\n", *timeout)
	fmt.Println("---------------------------------------------------------------")

	start := time.Now()
	hosts, err := discovery.FindTransmitHosts(*timeout)
	elapsed := time.Since(start)

	if err != nil {
		fmt.Fprintf(os.Stderr, "discovery error: %v\n", err)
		os.Exit(1)
	}

	if len(hosts) == 0 {
		fmt.Printf("No devices found (%s)\n", elapsed.Truncate(time.Millisecond))
		return
	}

	fmt.Printf("Discovered %d device(s) in %s\n", len(hosts), elapsed.Truncate(time.Millisecond))
	fmt.Println("===============================================================")

	for i, h := range hosts {
		fmt.Printf(" Device #%d\n", i+1)
		fmt.Println("---------------------------------------------------------------")
		fmt.Printf(" Instance : %s\n", h.Instance)
		fmt.Printf(" Hostname : %s\n", h.Hostname)
		fmt.Printf(" Port     : %d\n", h.Port)

		fmt.Println(" Addresses:")
		if len(h.Addresses) == 0 {
			fmt.Println("   <none>")
		} else {
			for _, ip := range h.Addresses {
				fmt.Printf("   - %s\n", ip.String())
			}
		}

		fmt.Println(" TXT Records:")
		if len(h.TXT) == 0 {
			fmt.Println("   <none>")
		} else {
			for _, txt := range h.TXT {
				fmt.Printf("   - %s\n", txt)
			}
		}

		if addr, err := h.Addr(); err == nil {
			fmt.Printf(" Dial with: -sdr-uri %s\n", addr)
		}
		fmt.Println("===============================================================")
	}
}
