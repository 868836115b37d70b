package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDockerfile = `FROM alpine:3.19
LABEL maintainer="me"
ENV GREETING="hello world" LEVEL=2
WORKDIR /app
COPY run.sh .
RUN apk add --no-cache bash
EXPOSE 8080
ENTRYPOINT ["/app/run.sh"]
CMD ["--verbose"]
`

func TestDockerfileToRecipe(t *testing.T) {
	recipe, err := dockerfileToRecipe(strings.NewReader(testDockerfile))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(recipe, "Bootstrap: docker\nFrom: alpine:3.19\n"))
	assert.Contains(t, recipe, "%files\nrun.sh /app\n")
	assert.Contains(t, recipe, "%labels\nmaintainer me\n")
	assert.Contains(t, recipe, "%environment\nexport GREETING='hello world'\nexport LEVEL=2\n")
	assert.Contains(t, recipe, "%post\nexport GREETING='hello world'\nexport LEVEL=2\nmkdir -p /app\ncd /app\napk add --no-cache bash\n")
	assert.Contains(t, recipe, "%runscript\ncd /app\n"+`if [ "$#" -eq 0 ]; then set -- --verbose; fi`+"\n"+`exec /app/run.sh "$@"`+"\n")
	assert.NotContains(t, recipe, "8080")
}

func TestDockerfileToRecipeShellForm(t *testing.T) {
	recipe, err := dockerfileToRecipe(strings.NewReader("FROM debian\nCMD echo $HOME\n"))
	require.NoError(t, err)

	assert.Contains(t, recipe, "%runscript\n"+`if [ "$#" -gt 0 ]; then exec "$@"; fi`+"\nexec /bin/sh -c 'echo $HOME'\n")
}

func TestDockerfileToRecipeLowercaseInstructions(t *testing.T) {
	recipe, err := dockerfileToRecipe(strings.NewReader("from alpine:3.19\nrun echo hi\nCmd [\"ls\"]\n"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(recipe, "Bootstrap: docker\nFrom: alpine:3.19\n"))
	assert.Contains(t, recipe, "%post\necho hi\n")
	assert.Contains(t, recipe, "exec ls\n")
}

func TestDockerfileToRecipeErrors(t *testing.T) {
	_, err := dockerfileToRecipe(strings.NewReader("FROM golang AS build\nFROM alpine\n"))
	assert.ErrorContains(t, err, "multi-stage")

	_, err = dockerfileToRecipe(strings.NewReader("RUN echo hi\n"))
	assert.Error(t, err)
}

func TestWriteRecipe(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(testDockerfile), 0644))

	path, err := writeRecipe(dir, "popper_one_"+testWid)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Singularity.popper_one_"+testWid), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "From: alpine:3.19")

	_, err = writeRecipe(t.TempDir(), "x")
	assert.Error(t, err)
}
