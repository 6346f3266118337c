package domain

import "fmt"

// Identity is the egress address seen by remote services.
type Identity struct {
	IP      string
	Country string
}

func (i Identity) String() string {
	if i.IP == "" {
		return "unknown"
	}
	if i.Country == "" {
		return i.IP
	}
	return fmt.Sprintf("%s (%s)", i.IP, i.Country)
}
