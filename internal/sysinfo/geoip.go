package sysinfo

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Geo is the location of the public address according to a MaxMind
// City-format database.
type Geo struct {
	CountryCode string  `json:"country_code,omitempty"`
	Country     string  `json:"country,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	TimeZone    string  `json:"time_zone,omitempty"`
}

type geoRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
		TimeZone  string  `maxminddb:"time_zone"`
	} `maxminddb:"location"`
}

// LookupGeo opens the database at path and resolves ip.
func LookupGeo(path string, ip net.IP) (*Geo, error) {
	if ip == nil {
		return nil, errors.New("geoip lookup requires a valid ip")
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip db: %w", err)
	}
	defer db.Close()

	var rec geoRecord
	if err := db.Lookup(ip, &rec); err != nil {
		return nil, fmt.Errorf("geoip lookup %s: %w", ip, err)
	}
	geo := &Geo{
		CountryCode: rec.Country.ISOCode,
		Country:     rec.Country.Names["en"],
		City:        rec.City.Names["en"],
		Latitude:    rec.Location.Latitude,
		Longitude:   rec.Location.Longitude,
		TimeZone:    rec.Location.TimeZone,
	}
	if *geo == (Geo{}) {
		return nil, fmt.Errorf("geoip: no record for %s", ip)
	}
	return geo, nil
}
