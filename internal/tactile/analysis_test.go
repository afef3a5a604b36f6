package tactile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputAnalyzer_UnittestFailure(t *testing.T) {
	output := `Creating test database for alias 'default'...
System check identified no issues (0 silenced).
.F.E..s
======================================================================
ERROR: test_upload (news.tests.ArticleTests)
----------------------------------------------------------------------
Traceback (most recent call last):
======================================================================
FAIL: test_index (news.tests.ViewTests)
----------------------------------------------------------------------
AssertionError: 404 != 200

----------------------------------------------------------------------
Ran 7 tests in 0.214s

FAILED (failures=1, errors=1, skipped=1)
Destroying test database for alias 'default'...`

	analysis := NewOutputAnalyzer().AnalyzeTestOutput(output)

	assert.Equal(t, "unittest", analysis.Framework)
	assert.False(t, analysis.OverallPass)
	assert.Equal(t, 7, analysis.Total)
	assert.Equal(t, 4, analysis.Passed)
	assert.Equal(t, 1, analysis.Failed)
	assert.Equal(t, 1, analysis.Errors)
	assert.Equal(t, 1, analysis.Skipped)
	assert.Equal(t, []string{"news.tests.ArticleTests.test_upload", "news.tests.ViewTests.test_index"}, analysis.FailedTests)
}

func TestOutputAnalyzer_UnittestOK(t *testing.T) {
	output := "......\n----------------------------------------------------------------------\nRan 6 tests in 0.050s\n\nOK\n"

	analysis := NewOutputAnalyzer().AnalyzeTestOutput(output)

	assert.True(t, analysis.Recognized())
	assert.True(t, analysis.OverallPass)
	assert.Equal(t, 6, analysis.Total)
	assert.Equal(t, 6, analysis.Passed)
}

func TestOutputAnalyzer_Pytest(t *testing.T) {
	output := `============================= test session starts ==============================
collected 12 items

news/tests/test_views.py ..F.......s.

=========================== short test summary info ============================
FAILED news/tests/test_views.py::test_detail - assert 404 == 200
=================== 1 failed, 10 passed, 1 skipped in 0.81s ===================`

	analysis := NewOutputAnalyzer().AnalyzeTestOutput(output)

	assert.Equal(t, "pytest", analysis.Framework)
	assert.False(t, analysis.OverallPass)
	assert.Equal(t, 10, analysis.Passed)
	assert.Equal(t, 1, analysis.Failed)
	assert.Equal(t, 1, analysis.Skipped)
	assert.Equal(t, 12, analysis.Total)
	assert.Equal(t, []string{"news/tests/test_views.py::test_detail"}, analysis.FailedTests)
}

func TestOutputAnalyzer_Unrecognized(t *testing.T) {
	analysis := NewOutputAnalyzer().AnalyzeTestOutput("Building moosedj (0.1.0)\n")
	assert.False(t, analysis.Recognized())
	assert.Zero(t, analysis.Total)
}

func TestOutputAnalyzer_TypeCheck(t *testing.T) {
	output := `news/models.py:14: error: Incompatible return value type (got "int", expected "str")  [return-value]
news/views.py:3:5: note: See https://mypy.readthedocs.io
news/views.py:22:1: error: Name "foo" is not defined  [name-defined]
Found 2 errors in 2 files (checked 31 source files)`

	analysis := NewOutputAnalyzer().AnalyzeTypeCheckOutput(output)

	assert.False(t, analysis.Success)
	assert.Equal(t, 2, analysis.Errors)
	require.Len(t, analysis.Diagnostics, 3)
	assert.Equal(t, Diagnostic{
		File:     "news/views.py",
		Line:     22,
		Column:   1,
		Severity: "error",
		Message:  `Name "foo" is not defined  [name-defined]`,
	}, analysis.Diagnostics[2])
	assert.Equal(t, "note", analysis.Diagnostics[1].Severity)

	clean := NewOutputAnalyzer().AnalyzeTypeCheckOutput("Success: no issues found in 31 source files\n")
	assert.True(t, clean.Success)
	assert.Empty(t, clean.Diagnostics)
}
