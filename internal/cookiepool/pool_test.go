package cookiepool_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/socialpulse/trackerd/internal/cookiepool"
)

var _ = Describe("Pool", func() {
	var logger *logrus.Logger

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetOutput(nopWriter{})
	})

	It("advances to the next credential once the current one hard-fails", func() {
		p := cookiepool.New("instagram", []string{"cookie-a", "cookie-b", "cookie-c"}, logger)

		first, ok := p.Current()
		Expect(ok).To(BeTrue())
		Expect(first.Raw).To(Equal("cookie-a"))

		// Rotation advances on every failure (a, b, c, a, ...), so cookie-a
		// takes its HardFailThreshold-th failure on call 3*(threshold-1)+1.
		for i := 0; i < 3*(cookiepool.HardFailThreshold-1)+1; i++ {
			p.MarkFailure("rate_limit")
		}
		Expect(p.Status().Credentials[0].HardFailed).To(BeTrue())

		second, ok := p.Current()
		Expect(ok).To(BeTrue())
		Expect(second.Raw).To(Equal("cookie-b"))
	})

	It("wraps rotation around the credential list", func() {
		p := cookiepool.New("instagram", []string{"cookie-a", "cookie-b"}, logger)

		for i := 0; i < cookiepool.HardFailThreshold; i++ {
			p.MarkFailure("rate_limit")
		}
		cur, ok := p.Current()
		Expect(ok).To(BeTrue())
		Expect(cur.Raw).To(Equal("cookie-b"))

		for i := 0; i < cookiepool.HardFailThreshold; i++ {
			p.MarkFailure("rate_limit")
		}
		_, ok = p.Current()
		Expect(ok).To(BeFalse(), "every credential hard-failed, none active")
	})

	It("reports AllRateLimited once every credential has failed enough within the window", func() {
		p := cookiepool.New("twitter", []string{"a", "b"}, logger)
		Expect(p.AllRateLimited()).To(BeFalse())

		p.MarkFailure("rate_limit")
		p.MarkFailure("rate_limit")
		p.MarkFailure("rate_limit") // rotates to "b"
		Expect(p.AllRateLimited()).To(BeFalse())

		p.MarkFailure("rate_limit")
		p.MarkFailure("rate_limit")
		Expect(p.AllRateLimited()).To(BeTrue())
	})

	It("clears failure count on MarkSuccess", func() {
		p := cookiepool.New("instagram", []string{"only"}, logger)
		p.MarkFailure("rate_limit")
		status := p.Status()
		Expect(status.Credentials[0].FailureCount).To(Equal(1))

		p.MarkSuccess()
		status = p.Status()
		Expect(status.Credentials[0].FailureCount).To(Equal(0))
	})

	It("increments only the current credential's failure count on a single rate limit", func() {
		p := cookiepool.New("instagram", []string{"cookie-a", "cookie-b", "cookie-c"}, logger)

		p.MarkFailure("rate_limit")

		status := p.Status()
		Expect(status.Credentials[0].FailureCount).To(Equal(1))
		Expect(status.Credentials[1].FailureCount).To(Equal(0))
		Expect(status.Credentials[2].FailureCount).To(Equal(0))
	})

	It("reports none active when constructed with an empty credential list", func() {
		p := cookiepool.New("instagram", nil, logger)
		_, ok := p.Current()
		Expect(ok).To(BeFalse())
		Expect(p.MarkFailure("rate_limit")).To(Equal(cookiepool.DefaultSwitchDelay))
	})
})

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
