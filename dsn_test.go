package telemetry_transport

import (
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParseDSN(t *testing.T) {
	t.Parallel()

	Convey("ParseDSN", t, func() {
		Convey("reads the key, the host and the dataset", func() {
			dsn, err := ParseDSN("https://secret@api.honeycomb.io/my-service")
			So(err, ShouldBeNil)
			So(dsn.APIKey, ShouldEqual, "secret")
			So(dsn.Host, ShouldEqual, "api.honeycomb.io")
			So(dsn.Port, ShouldEqual, 443)
			So(dsn.Dataset, ShouldEqual, "my-service")
			So(dsn.BatchURL, ShouldEqual, "https://api.honeycomb.io/1/batch/my-service")
			So(dsn.Headers(), ShouldResemble, map[string]string{"X-Honeycomb-Team": "secret"})
		})

		Convey("keeps a non-standard port and a path prefix", func() {
			dsn, err := ParseDSN("http://k@localhost:8080/proxy/v2/events")
			So(err, ShouldBeNil)
			So(dsn.Port, ShouldEqual, 8080)
			So(dsn.Path, ShouldEqual, "/proxy/v2")
			So(dsn.Dataset, ShouldEqual, "events")
			So(dsn.GetBaseEndpointURL(), ShouldEqual, "http://localhost:8080/proxy/v2")
			So(dsn.BatchURL, ShouldEqual, "http://localhost:8080/proxy/v2/1/batch/events")
		})

		Convey("escapes the dataset", func() {
			dsn, err := ParseDSN("https://k@example.com/my%20data")
			So(err, ShouldBeNil)
			So(dsn.Dataset, ShouldEqual, "my data")
			So(dsn.BatchURL, ShouldEqual, "https://example.com/1/batch/my%20data")
		})

		Convey("rejects incomplete DSNs", func() {
			for _, s := range []string{
				"",
				"api.honeycomb.io/dataset",
				"https://api.honeycomb.io/dataset",
				"https://key@api.honeycomb.io",
				"https://key@api.honeycomb.io/",
				"ftp://key@api.honeycomb.io/dataset",
				"https://key@api.honeycomb.io:port/dataset",
			} {
				_, err := ParseDSN(s)
				So(err, ShouldNotBeNil)
			}
		})

		Convey("never leaks the key in errors", func() {
			_, err := ParseDSN("ftp://topsecret@api.honeycomb.io/dataset")
			So(err, ShouldNotBeNil)
			So(strings.Contains(err.Error(), "topsecret"), ShouldBeFalse)
		})
	})
}
