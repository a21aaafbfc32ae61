package swcache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"sync"
)

// newSyntheticResponse creates a response which never touched the network or a bucket
func newSyntheticResponse(req *http.Request, statusCode int, message string) *http.Response {
	response := &http.Response{
		Status:        strconv.Itoa(statusCode) + " " + http.StatusText(statusCode),
		StatusCode:    statusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          nopBody([]byte(message)),
		ContentLength: int64(len(message)),
		Request:       req,
	}

	response.Header.Set("Content-Type", "text/plain; charset=utf-8")

	return response
}

func nopBody(data []byte) io.ReadCloser {
	if len(data) == 0 {
		return http.NoBody
	}

	return io.NopCloser(bytes.NewReader(data))
}

// taskGroup tracks detached tasks so shutdown can wait for them
type taskGroup struct {
	wg sync.WaitGroup
}

// Go runs the task in its own goroutine
func (group *taskGroup) Go(task func()) {
	group.wg.Add(1)
	go func() {
		defer group.wg.Done()
		task()
	}()
}

func (group *taskGroup) Wait() {
	group.wg.Wait()
}
