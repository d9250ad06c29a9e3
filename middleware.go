package derivrt

// SendWillBeCalledHook is the synchronous pre-send interception point
// (spec §6). If it returns ok=true, its returned map short-circuits Send:
// no network call happens and that value becomes the result.
type SendWillBeCalledHook func(request map[string]any) (response map[string]any, ok bool)

// SendIsCalledHook is the synchronous post-send interception point (spec
// §6). If it returns ok=true, its returned map replaces the real
// response.
type SendIsCalledHook func(request, response map[string]any) (replacement map[string]any, ok bool)
