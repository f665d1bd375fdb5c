package access_log

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Output receives one line per request.
var Output io.Writer = os.Stdout

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = 200
	}
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// Flush keeps event streams working through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func AccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     200,
		}

		next.ServeHTTP(wrapped, r)

		logApacheFormat(r, wrapped.statusCode, wrapped.size, time.Since(start))
	})
}

func logApacheFormat(r *http.Request, statusCode int, responseSize int64, duration time.Duration) {
	// remote_host - remote_user [timestamp] "request_line" status request_size/response_size "referer" "user_agent" duration_ms [context]

	requestSizeStr := "-"
	if r.ContentLength >= 0 {
		requestSizeStr = strconv.FormatInt(r.ContentLength, 10)
	}

	sizeStr := "-"
	if responseSize >= 0 {
		sizeStr = strconv.FormatInt(responseSize, 10)
	}

	referer := r.Header.Get("Referer")
	if referer == "" {
		referer = "-"
	}

	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		userAgent = "-"
	}

	contextInfo := ""
	if logInfos := r.Header.Values("X-Log"); len(logInfos) > 0 {
		contextInfo = fmt.Sprintf(" [%s]", strings.Join(logInfos, ", "))
	}

	logLine := fmt.Sprintf("%s - %s [%s] \"%s %s %s\" %d %s/%s \"%s\" \"%s\" %d%s\n",
		getClientIP(r),
		remoteUser(r),
		time.Now().Format("02/Jan/2006:15:04:05 -0700"),
		r.Method, r.RequestURI, r.Proto,
		statusCode,
		requestSizeStr,
		sizeStr,
		referer,
		userAgent,
		duration.Milliseconds(),
		contextInfo,
	)

	io.WriteString(Output, logLine)
}

// remoteUser never logs secrets: basic auth yields the user name, a bearer
// token only its scheme.
func remoteUser(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return user
	}
	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return "bearer"
	}
	return "-"
}

// SetLogContext sets context information to be included in access logs via X-Log header
func SetLogContext(r *http.Request, context string) {
	r.Header.Set("X-Log", context)
}

func AddLogContext(r *http.Request, context string) {
	r.Header.Add("X-Log", context)
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}
