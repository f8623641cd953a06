package cookiepool_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCookiePool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CookiePool Suite")
}
