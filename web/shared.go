package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/labstack/echo/v4"
)

const PageSize = 15

func getPageNumber(c echo.Context) int {
	pageNumber, err := strconv.Atoi(c.QueryParam("page"))
	if err != nil || pageNumber < 1 {
		pageNumber = 1
	}
	return pageNumber
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, custom_errors.ErrNotFound), errors.Is(err, custom_errors.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, custom_errors.ErrDuplicateJob), errors.Is(err, custom_errors.ErrNotLinked):
		return http.StatusConflict
	case errors.Is(err, custom_errors.ErrInvalidPayload), errors.Is(err, custom_errors.ErrHandlerNotFound):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(statusCode(err), map[string]string{"error": err.Error()})
}

func printBanner(addr string) {
	width := 46
	fmt.Println("##############################################")
	fmt.Printf("# %-*s #\n", width-4, "")
	fmt.Printf("# %-*s #\n", width-4, "tubefire admin API")
	fmt.Printf("# %-*s #\n", width-4, fmt.Sprintf("listening on %s", addr))
	fmt.Printf("# %-*s #\n", width-4, "")
	fmt.Println("##############################################")
}
